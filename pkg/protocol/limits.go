package protocol

// DefaultMaxMessageBytes is the largest frame a relay accepts unless
// configured otherwise.
const DefaultMaxMessageBytes = 1 << 20

// chunkFrameOverhead bounds everything in a data_chunk frame besides the
// base64 data: envelope fields, ids and the file name.
const chunkFrameOverhead = 4096

// MaxChunkSize is the largest raw chunk whose data_chunk frame still fits in
// maxMessageBytes. Chunk data travels base64 encoded, 4 bytes per 3.
func MaxChunkSize(maxMessageBytes int64) int {
	room := maxMessageBytes - chunkFrameOverhead
	if room <= 0 {
		return 0
	}
	return int(room / 4 * 3)
}
