package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func encodeClusterConfig(cc ClusterConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cc); err != nil {
		return nil, fmt.Errorf("raft: encode cluster config: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeClusterConfig(data []byte) (ClusterConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cc ClusterConfig
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cc); err != nil {
		return nil, fmt.Errorf("raft: decode cluster config: %w", err)
	}
	return cc, nil
}

func encodeConfigChange(cc *ConfigChange) ([]byte, error) {
	if cc == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cc); err != nil {
		return nil, fmt.Errorf("raft: encode config change: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeConfigChange(data []byte) (*ConfigChange, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cc ConfigChange
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cc); err != nil {
		return nil, fmt.Errorf("raft: decode config change: %w", err)
	}
	return &cc, nil
}
