// Package protocol implements the RESP2 wire format: simple strings,
// errors, integers, bulk strings, arrays and their null forms.
//
// A Reader decodes values from a stream and reassembles frames that arrive
// split across reads, so a connection can hand it the raw socket:
//
//	reader := protocol.NewReader(conn)
//	for {
//		value, err := reader.ReadNext()
//		if err != nil {
//			break
//		}
//		// Process value
//	}
//
// Parse, Serialize and Append work on whole buffers. A RawBulk value is
// encoded as a length prefix followed by its bytes with no terminator,
// which is how a snapshot follows FULLRESYNC; Reader.ReadRawBulk reads it
// back.
package protocol
