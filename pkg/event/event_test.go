package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ev   *Event
	}{
		{
			name: "new testcase",
			ev: &Event{
				Variant: VariantNewTestcase,
				NewTestcase: &NewTestcase{
					Input:        []byte{0x01, 0x02},
					ClientConfig: "harness-v3",
					CorpusSize:   1,
					ObserversBuf: []byte{0xde, 0xad, 0xbe, 0xef},
					Time:         1700000000,
					Executions:   42,
				},
			},
		},
		{
			name: "update stats",
			ev: &Event{
				Variant:     VariantUpdateStats,
				UpdateStats: &UpdateStats{Time: 123, Executions: 9001},
			},
		},
		{
			name: "objective",
			ev:   &Event{Variant: VariantObjective, Objective: &Objective{ObjectiveSize: 3}},
		},
		{
			name: "log",
			ev: &Event{
				Variant: VariantLog,
				Log:     &Log{SeverityLevel: SeverityWarn, Message: "slow path hit"},
			},
		},
		{
			name: "empty new testcase input",
			ev: &Event{
				Variant: VariantNewTestcase,
				NewTestcase: &NewTestcase{
					Input:        []byte{},
					ClientConfig: "",
					ObserversBuf: nil,
				},
			},
		},
		{
			name: "custom buf",
			ev:   &Event{Variant: VariantCustomBuf, CustomBuf: &CustomBuf{Tag: 7, Buf: []byte("hi")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.ev)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(encoded), MaxFrameSize)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.ev, decoded)
		})
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte{byte(VariantObjective)}) // missing u64
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// trailing bytes after a complete Objective payload
	trailing, err := Encode(&Event{Variant: VariantObjective, Objective: &Objective{ObjectiveSize: 1}})
	require.NoError(t, err)
	_, err = Decode(append(trailing, 0xff))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeUnknownVariant(t *testing.T) {
	_, err := Decode([]byte{0xFF})
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestEncodeNilPayloadIsMalformed(t *testing.T) {
	_, err := Encode(&Event{Variant: VariantNewTestcase})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
