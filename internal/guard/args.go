package guard

import "fmt"

// dangerousKeys are structural names that poison dynamic-object merges in
// downstream consumers. Requests carrying them are rejected outright.
var dangerousKeys = map[string]struct{}{
	"__proto__":        {},
	"constructor":      {},
	"prototype":        {},
	"__defineGetter__": {},
	"__defineSetter__": {},
}

// checkArgs walks the args tree and returns the first dangerous key found.
func checkArgs(args Args) error {
	return checkValue(map[string]any(args), "")
}

func checkValue(v any, path string) error {
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			if _, bad := dangerousKeys[key]; bad {
				return fmt.Errorf("guard: unsafe key %q at %s", key, joinPath(path, key))
			}
			if err := checkValue(child, joinPath(path, key)); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			if err := checkValue(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
