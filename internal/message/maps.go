package message

// EncodeMap serializes a channel/connector/response map to its JSON content
// form.
func EncodeMap(m map[string]interface{}) (string, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.MarshalToString(m)
}

// ParseMap decodes a stored key/value map content row. An empty payload
// yields an empty map.
func ParseMap(data string) (map[string]interface{}, error) {
	if data == "" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.UnmarshalFromString(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}
