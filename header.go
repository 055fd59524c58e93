package efsvault

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Catalog header layout (big-endian), fixed at HeaderSize bytes:
//
//	magic       4 bytes   "EFS1"
//	version     1 byte    0x01
//	t_cost      4 bytes   uint32
//	m_cost      4 bytes   uint32 (KiB)
//	parallelism 4 bytes   uint32
//	salt        16 bytes
//	nonce       12 bytes
//	ciphertext  remainder
const (
	magicBytes     = "EFS1"
	headerVersion  = uint8(1)
	HeaderSize     = 4 + 1 + 4 + 4 + 4 + saltSize + nonceSize // 45
)

// catalogHeader holds the fixed fields of vault.enc, exclusive of the
// trailing ciphertext.
type catalogHeader struct {
	Version uint8
	Params  KDFParams
	Salt    []byte
	Nonce   []byte
}

// packHeader serializes header + ciphertext into the full vault.enc byte
// stream.
func packHeader(h catalogHeader, ciphertext []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(magicBytes)
	buf.WriteByte(h.Version)
	binary.Write(buf, binary.BigEndian, h.Params.TimeCost)
	binary.Write(buf, binary.BigEndian, h.Params.MemoryCostKiB)
	binary.Write(buf, binary.BigEndian, h.Params.Parallelism)
	buf.Write(h.Salt)
	buf.Write(h.Nonce)
	buf.Write(ciphertext)
	return buf.Bytes()
}

// unpackHeader parses the vault.enc byte stream into its header and
// ciphertext. It rejects truncated input (CorruptVault), an unrecognized
// magic (BadMagic), and an unrecognized version (UnsupportedVersion).
func unpackHeader(data []byte) (catalogHeader, []byte, error) {
	if len(data) < HeaderSize {
		return catalogHeader{}, nil, newErr(CorruptVault, "unpack-header", "",
			fmt.Errorf("vault.enc is %d bytes, need at least %d", len(data), HeaderSize))
	}

	if string(data[0:4]) != magicBytes {
		return catalogHeader{}, nil, newErr(BadMagic, "unpack-header", "", nil)
	}

	version := data[4]
	if version != headerVersion {
		return catalogHeader{}, nil, newErr(UnsupportedVersion, "unpack-header", "", nil)
	}

	tCost := binary.BigEndian.Uint32(data[5:9])
	mCost := binary.BigEndian.Uint32(data[9:13])
	parallelism := binary.BigEndian.Uint32(data[13:17])

	salt := make([]byte, saltSize)
	copy(salt, data[17:17+saltSize])

	nonceOffset := 17 + saltSize
	nonce := make([]byte, nonceSize)
	copy(nonce, data[nonceOffset:nonceOffset+nonceSize])

	ciphertext := data[nonceOffset+nonceSize:]

	h := catalogHeader{
		Version: version,
		Params: KDFParams{
			TimeCost:      tCost,
			MemoryCostKiB: mCost,
			Parallelism:   parallelism,
		},
		Salt:  salt,
		Nonce: nonce,
	}
	return h, ciphertext, nil
}
