package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// parseParams encodes textual arguments for a function with the given
// parameter types.
func parseParams(values []string, types []api.ValueType) ([]uint64, error) {
	if len(values) != len(types) {
		return nil, fmt.Errorf("function takes %d parameters, got %d", len(types), len(values))
	}
	out := make([]uint64, len(values))
	for i, v := range values {
		p, err := parseParam(strings.TrimSpace(v), types[i])
		if err != nil {
			return nil, fmt.Errorf("parameter %d (%s): %w", i, api.ValueTypeName(types[i]), err)
		}
		out[i] = p
	}
	return out, nil
}

func parseParam(v string, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		n, err := strconv.ParseInt(v, 0, 32)
		if err != nil {
			u, uerr := strconv.ParseUint(v, 0, 32)
			if uerr != nil {
				return 0, err
			}
			return api.EncodeU32(uint32(u)), nil
		}
		return api.EncodeI32(int32(n)), nil
	case api.ValueTypeI64:
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(v, 0, 64)
			if uerr != nil {
				return 0, err
			}
			return u, nil
		}
		return api.EncodeI64(n), nil
	case api.ValueTypeF32:
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(f), nil
	default:
		return 0, fmt.Errorf("unsupported parameter type")
	}
}

// formatResults renders results space separated, decoded per type.
func formatResults(results []uint64, types []api.ValueType) string {
	parts := make([]string, len(results))
	for i, r := range results {
		var t api.ValueType
		if i < len(types) {
			t = types[i]
		}
		switch t {
		case api.ValueTypeI32:
			parts[i] = strconv.FormatInt(int64(api.DecodeI32(r)), 10)
		case api.ValueTypeI64:
			parts[i] = strconv.FormatInt(int64(r), 10)
		case api.ValueTypeF32:
			parts[i] = strconv.FormatFloat(float64(api.DecodeF32(r)), 'g', -1, 32)
		case api.ValueTypeF64:
			parts[i] = strconv.FormatFloat(api.DecodeF64(r), 'g', -1, 64)
		default:
			parts[i] = "0x" + strconv.FormatUint(r, 16)
		}
	}
	return strings.Join(parts, " ")
}

// signature renders name(params) -> results for display.
func signature(name string, def api.FunctionDefinition) string {
	names := def.ParamNames()
	params := make([]string, len(def.ParamTypes()))
	for i, t := range def.ParamTypes() {
		params[i] = api.ValueTypeName(t)
		if i < len(names) && names[i] != "" {
			params[i] = names[i] + ": " + params[i]
		}
	}
	results := make([]string, len(def.ResultTypes()))
	for i, t := range def.ResultTypes() {
		results[i] = api.ValueTypeName(t)
	}
	s := name + "(" + strings.Join(params, ", ") + ")"
	if len(results) > 0 {
		s += " -> " + strings.Join(results, ", ")
	}
	return s
}
