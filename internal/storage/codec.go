package storage

import (
	"encoding/json"
	"errors"

	"demeflow/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned stamps a record with the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeReconstruction(r model.Reconstruction) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeReconstruction(data []byte) (model.Reconstruction, error) {
	var rec model.Reconstruction
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Reconstruction{}, err
	}
	if err := checkVersion(rec.VersionedRecord); err != nil {
		return model.Reconstruction{}, err
	}
	return rec, nil
}

func EncodeRateTrace(t model.RateTrace) ([]byte, error) {
	return json.Marshal(t)
}

func DecodeRateTrace(data []byte) (model.RateTrace, error) {
	var trace model.RateTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return model.RateTrace{}, err
	}
	if err := checkVersion(trace.VersionedRecord); err != nil {
		return model.RateTrace{}, err
	}
	return trace, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
