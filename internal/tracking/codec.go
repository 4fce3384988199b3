package tracking

import (
	"github.com/alecthomas/errors"

	"github.com/radicle-link/linkd/internal/canon"
)

func canonicaliseConfig(c Config) ([]byte, error) {
	cobs := map[string]any{}
	switch {
	case c.Cobs.AllowAll:
		cobs["policy"] = "allow_all"
	case c.Cobs.DenyAll:
		cobs["policy"] = "deny_all"
	default:
		cobs["policy"] = "allowed"
		allowed := make(map[string]any, len(c.Cobs.Allowed))
		for typ, ids := range c.Cobs.Allowed {
			idsAny := make([]any, len(ids))
			for i, id := range ids {
				idsAny[i] = id
			}
			allowed[typ] = idsAny
		}
		cobs["allowed"] = allowed
	}

	obj := map[string]any{
		"data": c.Data,
		"cobs": cobs,
	}
	out, err := canon.Canonicalise(obj)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalise tracking config")
	}
	return out, nil
}

func parseConfig(raw []byte) (Config, error) {
	decoded, err := canon.Decode(raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode tracking config")
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return Config{}, errors.New("tracking config must be a JSON object")
	}

	cfg := Config{}
	if data, ok := obj["data"].(bool); ok {
		cfg.Data = data
	}

	cobsObj, _ := obj["cobs"].(map[string]any) //nolint:errcheck
	switch cobsObj["policy"] {
	case "allow_all":
		cfg.Cobs.AllowAll = true
	case "deny_all":
		cfg.Cobs.DenyAll = true
	default:
		allowed := map[string][]string{}
		if allowedObj, ok := cobsObj["allowed"].(map[string]any); ok {
			for typ, idsVal := range allowedObj {
				idsAny, _ := idsVal.([]any) //nolint:errcheck
				ids := make([]string, 0, len(idsAny))
				for _, idVal := range idsAny {
					if id, ok := idVal.(string); ok {
						ids = append(ids, id)
					}
				}
				allowed[typ] = ids
			}
		}
		cfg.Cobs.Allowed = allowed
	}
	return cfg, nil
}
