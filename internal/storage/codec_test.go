package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"demeflow/internal/model"
)

func sampleReconstruction(id, created string) model.Reconstruction {
	return model.Reconstruction{
		VersionedRecord: Versioned(),
		ID:              id,
		CreatedAtUTC:    created,
		Tree:            "(A_0:1,B_1:1);",
		States:          []string{"0", "1"},
		Trait:           "type",
		Tolerance:       1e-5,
		Attempts:        1,
		Nodes: []model.NodePosterior{
			{Nr: 0, ID: "A_0", Leaf: true, Marginal: []float64{1, 0}},
			{Nr: 1, ID: "B_1", Leaf: true, Marginal: []float64{0, 1}, MaxState: 1},
			{Nr: 2, Height: 1, Subtree: []float64{0.5, 0.5}, Marginal: []float64{0.5, 0.5}},
		},
	}
}

func TestDecodeReconstructionFixture(t *testing.T) {
	rec := decodeReconstructionFixture(t, "reconstruction_v1.json")
	if rec.ID != "run-fixture-1" {
		t.Fatalf("unexpected reconstruction id: %s", rec.ID)
	}
	if len(rec.Nodes) != 3 || !rec.Nodes[0].Leaf || rec.Nodes[2].Leaf {
		t.Fatalf("unexpected nodes: %+v", rec.Nodes)
	}
	summary := rec.Summary()
	if summary.Tips != 2 || summary.States != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestReconstructionCodecRoundTrip(t *testing.T) {
	input := sampleReconstruction("run-1", "2026-01-01T00:00:00Z")
	encoded, err := EncodeReconstruction(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeReconstruction(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("decoded reconstruction mismatch: got=%+v want=%+v", decoded, input)
	}
}

func TestDecodeReconstructionVersionMismatch(t *testing.T) {
	input := sampleReconstruction("run-1", "")
	input.CodecVersion = CurrentCodecVersion + 1
	encoded, err := EncodeReconstruction(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeReconstruction(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestRateTraceCodecVersionMismatch(t *testing.T) {
	encoded, err := EncodeRateTrace(model.RateTrace{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeRateTrace(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func decodeReconstructionFixture(t *testing.T, name string) model.Reconstruction {
	t.Helper()

	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	rec, err := DecodeReconstruction(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return rec
}
