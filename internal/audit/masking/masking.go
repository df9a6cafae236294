package masking

import "strings"

const maskToken = "****"

// sensitiveKeys are metadata keys holding insured-person data.
var sensitiveKeys = map[string]struct{}{
	"insured_person_id": {},
	"date_of_birth":     {},
	"signer_key":        {},
}

// MaskSecret redacts a value while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskJSON returns a copy of the input with string values masked.
func MaskJSON(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(value)
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

// MaskSensitive masks only the values under sensitive keys and keeps the rest.
func MaskSensitive(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if _, ok := sensitiveKeys[trimmedKey]; ok {
			out[trimmedKey] = maskValue(value)
			continue
		}
		out[trimmedKey] = value
	}
	return out
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case map[string]any:
		return MaskJSON(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastSep := strings.LastIndexAny(value, "_-")
	if lastSep == -1 || lastSep == len(value)-1 {
		return "", value
	}
	return value[:lastSep+1], value[lastSep+1:]
}
