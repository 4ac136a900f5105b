package distribution

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/hivecompute/hive/core/mesh/common"
)

// CompressionLevel trades chunk CPU cost against wire size. Model weights rarely compress
// well, so a fast level is used and the compressed form is kept only when it is smaller.
const CompressionLevel = 4

// EncodeChunk builds the wire payload for one chunk.
func EncodeChunk(cid string, index int, digest string, data []byte, acceptEncoding string) common.ChunkPayload {
	p := common.ChunkPayload{
		CID:      cid,
		Index:    index,
		Digest:   digest,
		Encoding: common.EncodingIdentity,
		Data:     data,
	}
	if acceptEncoding != common.EncodingBrotli || len(data) == 0 {
		return p
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, CompressionLevel)
	if _, err := w.Write(data); err != nil {
		return p
	}
	if err := w.Close(); err != nil {
		return p
	}
	if buf.Len() < len(data) {
		p.Encoding = common.EncodingBrotli
		p.Data = buf.Bytes()
	}
	return p
}

// DecodeChunk returns the raw chunk bytes of p, refusing to inflate beyond maxLen.
func DecodeChunk(p common.ChunkPayload, maxLen int64) ([]byte, error) {
	switch p.Encoding {
	case "", common.EncodingIdentity:
		return p.Data, nil
	case common.EncodingBrotli:
		r := io.LimitReader(brotli.NewReader(bytes.NewReader(p.Data)), maxLen+1)
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, common.ErrIntegrity("undecodable chunk payload").
				WithContext("cid", p.CID).
				WithContext("chunk_index", p.Index)
		}
		if int64(len(data)) > maxLen {
			return nil, common.ErrIntegrity("chunk payload inflates past its declared length").
				WithContext("cid", p.CID).
				WithContext("chunk_index", p.Index)
		}
		return data, nil
	default:
		return nil, common.ErrInvalidArgument("unsupported chunk encoding").
			WithContext("encoding", p.Encoding)
	}
}
