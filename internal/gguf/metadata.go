package gguf

// Typed accessors over the metadata KV table. GGUF writers are loose
// about integer widths, so the numeric getters accept any of them.

func (f *File) GetString(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

func (f *File) GetUint(keys ...string) (uint64, bool) {
	for _, key := range keys {
		val, ok := f.KV[key]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case uint8:
			return uint64(v), true
		case int8:
			return uint64(v), true
		case uint16:
			return uint64(v), true
		case int16:
			return uint64(v), true
		case uint32:
			return uint64(v), true
		case int32:
			return uint64(v), true
		case uint64:
			return v, true
		case int64:
			return uint64(v), true
		}
	}
	return 0, false
}

func (f *File) GetFloat(keys ...string) (float64, bool) {
	for _, key := range keys {
		val, ok := f.KV[key]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case float32:
			return float64(v), true
		case float64:
			return v, true
		}
	}
	return 0, false
}

func (f *File) GetBool(key string) (bool, bool) {
	b, ok := f.KV[key].(bool)
	return b, ok
}

// GetStrings flattens a string-array metadata value. Non-string
// elements are skipped rather than failing the whole array.
func (f *File) GetStrings(key string) ([]string, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// GetInts flattens an integer-array metadata value.
func (f *File) GetInts(key string) ([]int, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(arr))
	for _, v := range arr {
		switch n := v.(type) {
		case uint32:
			out = append(out, int(n))
		case int32:
			out = append(out, int(n))
		case uint64:
			out = append(out, int(n))
		case int64:
			out = append(out, int(n))
		}
	}
	return out, true
}

// Architecture reads general.architecture, empty when absent.
func (f *File) Architecture() string {
	s, _ := f.GetString("general.architecture")
	return s
}
