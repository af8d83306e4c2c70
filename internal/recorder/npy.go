package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
)

// writeNPY writes data as a NumPy .npy file (format version 1.0, one
// unsigned byte per pixel, row-major (height, width) shape) so downstream
// conversion tooling can load each slice without a bespoke reader.
func writeNPY(path string, data []byte, height, width int) error {
	if len(data) != height*width {
		return fmt.Errorf("writeNPY: buffer length %d does not match %dx%d", len(data), height, width)
	}

	header := npyHeader(height, width)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(header); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return nil
}

// npyHeader builds the fixed magic + version + padded ASCII dict header
// required by the .npy v1.0 spec: total header length (magic through the
// trailing newline) must be a multiple of 64 bytes.
func npyHeader(height, width int) []byte {
	dict := "{'descr': '|u1', 'fortran_order': False, 'shape': (" +
		strconv.Itoa(height) + ", " + strconv.Itoa(width) + "), }"

	const prefixLen = 10 // magic(6) + version(2) + headerLen(2)
	total := prefixLen + len(dict) + 1
	pad := 0
	if rem := total % 64; rem != 0 {
		pad = 64 - rem
	}

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.WriteByte(1) // major version
	buf.WriteByte(0) // minor version

	headerLen := uint16(len(dict) + pad + 1)
	binary.Write(&buf, binary.LittleEndian, headerLen)

	buf.WriteString(dict)
	for i := 0; i < pad; i++ {
		buf.WriteByte(' ')
	}
	buf.WriteByte('\n')

	return buf.Bytes()
}
