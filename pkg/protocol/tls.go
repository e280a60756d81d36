package protocol

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/cryptobyte"

	"github.com/iamgaru/gosling/internal/failure"
)

const (
	recordHeaderLen          = 5
	recordTypeHandshake      = 0x16
	handshakeTypeClientHello = 0x01
	maxRecordLen             = 16384 + 2048

	extensionServerName = 0
	nameTypeHostName    = 0
)

// ExtractSNI returns the host_name entry of the server_name extension in a
// ClientHello record, or "" when the record carries none or cannot be parsed.
// A ClientHello fragmented over several records yields "".
func ExtractSNI(record []byte) string {
	if !IsTLSHandshake(record) {
		return ""
	}

	s := cryptobyte.String(record[recordHeaderLen:])
	var msgType uint8
	var hello cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != handshakeTypeClientHello ||
		!s.ReadUint24LengthPrefixed(&hello) {
		return ""
	}

	var sessionID, suites, compression, extensions cryptobyte.String
	if !hello.Skip(2+32) || // legacy_version, random
		!hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&suites) ||
		!hello.ReadUint8LengthPrefixed(&compression) ||
		!hello.ReadUint16LengthPrefixed(&extensions) {
		return ""
	}

	for !extensions.Empty() {
		var extType uint16
		var ext cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&ext) {
			return ""
		}
		if extType != extensionServerName {
			continue
		}

		var names cryptobyte.String
		if !ext.ReadUint16LengthPrefixed(&names) {
			return ""
		}
		for !names.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return ""
			}
			if nameType == nameTypeHostName {
				return string(name)
			}
		}
		return ""
	}
	return ""
}

// IsTLSHandshake reports whether data starts with a TLS handshake record
// holding a ClientHello
func IsTLSHandshake(data []byte) bool {
	return len(data) > recordHeaderLen &&
		data[0] == recordTypeHandshake &&
		data[1] == 0x03 &&
		data[recordHeaderLen] == handshakeTypeClientHello
}

// ReadClientHello reads exactly one TLS record from r and returns its bytes,
// header included. The record must be a handshake record; anything else is a
// HandshakeFailure. Callers replay the returned bytes to the TLS server.
func ReadClientHello(r io.Reader) ([]byte, error) {
	header := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, failure.New(failure.IncompleteRequest, "read TLS record header", err)
	}
	if header[0] != recordTypeHandshake || header[1] != 0x03 {
		return header, failure.Newf(failure.HandshakeFailure, "read TLS record header",
			"client did not start a TLS handshake (first bytes % x)", header)
	}

	length := int(binary.BigEndian.Uint16(header[3:5]))
	if length == 0 || length > maxRecordLen {
		return header, failure.Newf(failure.HandshakeFailure, "read TLS record header",
			"invalid record length %d", length)
	}

	record := make([]byte, recordHeaderLen+length)
	copy(record, header)
	if _, err := io.ReadFull(r, record[recordHeaderLen:]); err != nil {
		return nil, failure.New(failure.IncompleteRequest, "read TLS record", err)
	}
	return record, nil
}
