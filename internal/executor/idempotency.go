package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/hashchain"
)

// idemKey derives the idempotency key for a bound step.
// For the hash strategy it is SHA-256 over
// action_id || "|" || canonicalize(args restricted to fields) || "|" || tenant_id.
// For explicit_key it is args.idempotency_key verbatim. A side-effect
// action with neither is an error the caller must fail the step with.
func idemKey(action domain.Action, args json.RawMessage, tenantID string) (string, error) {
	switch action.Idempotency.Strategy {
	case domain.IdempotencyExplicitKey:
		key, err := explicitKey(args)
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", fmt.Errorf("idempotency: explicit_key strategy requires args.idempotency_key")
		}
		return key, nil

	case domain.IdempotencyHash:
		restricted, err := restrictFields(args, action.Idempotency.Fields)
		if err != nil {
			return "", err
		}
		canonical, err := hashchain.Canonicalize(restricted)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256([]byte(action.ActionID + "|" + string(canonical) + "|" + tenantID))
		return hex.EncodeToString(sum[:]), nil

	default:
		if action.SideEffect {
			return "", fmt.Errorf("idempotency: action %s declares no idempotency strategy", action.ActionID)
		}
		return "", nil
	}
}

func explicitKey(args json.RawMessage) (string, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(args, &m); err != nil {
		return "", fmt.Errorf("idempotency: args not an object: %w", err)
	}
	key, _ := m["idempotency_key"].(string)
	return key, nil
}

// restrictFields returns the subset of args named in fields, in arg
// insertion order irrelevant since Canonicalize sorts keys. An empty
// fields list means "all fields".
func restrictFields(args json.RawMessage, fields []string) (map[string]interface{}, error) {
	var m map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &m); err != nil {
			return nil, fmt.Errorf("idempotency: args not an object: %w", err)
		}
	}
	if len(fields) == 0 {
		return m, nil
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}
