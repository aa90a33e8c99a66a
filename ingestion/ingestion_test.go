package ingestion

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSubmitBatchRejectsOversizedBatch(t *testing.T) {
	a := New(nil, nil, nil, nil, 5, 2, zerolog.Nop())

	_, err := a.SubmitBatch(context.Background(), []Request{
		{Owner: "u1", Filename: "a.bin"},
		{Owner: "u1", Filename: "b.bin"},
		{Owner: "u1", Filename: "c.bin"},
	})

	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestMaxBatchFilesExposed(t *testing.T) {
	a := New(nil, nil, nil, nil, 5, 50, zerolog.Nop())
	assert.Equal(t, 50, a.MaxBatchFiles())
}
