package compress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/queue/compress"
)

func TestEncodeDecode_RoundTrips(t *testing.T) {
	payload := []byte(`{"job_id":"abc123","jd_url":"https://example.com/jd.pdf"}`)
	for _, algo := range []compress.Algorithm{compress.None, compress.Gzip, compress.LZ4, compress.Snappy} {
		t.Run(string(algo), func(t *testing.T) {
			encoded, err := compress.Encode(algo, payload)
			require.NoError(t, err)
			decoded, err := compress.Decode(algo, encoded)
			require.NoError(t, err)
			assert.Equal(t, payload, decoded)
		})
	}
}

func TestEncode_UnsupportedAlgorithm(t *testing.T) {
	_, err := compress.Encode("zstd", []byte("x"))
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	cases := map[string]compress.Algorithm{
		"":       compress.None,
		"none":   compress.None,
		"gzip":   compress.Gzip,
		"lz4":    compress.LZ4,
		"snappy": compress.Snappy,
	}
	for in, want := range cases {
		got, err := compress.ParseAlgorithm(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := compress.ParseAlgorithm("bogus")
	assert.Error(t, err)
}
