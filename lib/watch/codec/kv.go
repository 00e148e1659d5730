package codec

// KV is a decoded watch entry
type KV struct {
	Components [][]byte
	Version    int64
	Value      []byte
	Ext        []byte
}

// EncodeKV returns the storage key and value of kv
func EncodeKV(tableID uint64, kv KV) (key, value []byte, err error) {
	if key, err = EncodeKey(tableID, kv.Components); err != nil {
		return nil, nil, err
	}
	return key, EncodeValue(kv.Version, kv.Value, kv.Ext), nil
}

// DecodeKV is the inverse of EncodeKV
func DecodeKV(key, value []byte) (uint64, KV, error) {
	tableID, components, err := DecodeKey(key)
	if err != nil {
		return 0, KV{}, err
	}
	version, val, ext, err := DecodeValue(value)
	if err != nil {
		return 0, KV{}, err
	}
	return tableID, KV{Components: components, Version: version, Value: val, Ext: ext}, nil
}
