package jsonfile

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmdx/pkg/contract"
)

type memWriter map[contract.ArtifactID][]byte

func (m memWriter) Write(_ context.Context, id contract.ArtifactID, r io.Reader) error {
	b, err := io.ReadAll(r)
	m[id] = b
	return err
}

func TestSave(t *testing.T) {
	w := memWriter{}
	s, err := New(w)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), &contract.Report{RunID: "r", DocID: "docs/esia.pdf"}))
	b, ok := w["esia.report.json"]
	require.True(t, ok)
	var got contract.Report
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "r", got.RunID)

	assert.ErrorIs(t, s.Save(context.Background(), nil), contract.ErrInvalidInput)
	_, err = New(nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
