/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package buffer

import (
	"bytes"
	"testing"
)

func TestBufferReader_SmallStaysInMemory(t *testing.T) {
	buf, err := BufferReader(bytes.NewReader([]byte("hello")), 1024, t.TempDir())
	if err != nil {
		t.Fatalf("BufferReader: %v", err)
	}
	defer buf.Remove()

	if _, ok := buf.(MemoryBuffer); !ok {
		t.Fatalf("buf is %T, want MemoryBuffer for a small payload", buf)
	}
	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}
}

func TestBufferReader_EmptyBody(t *testing.T) {
	buf, err := BufferReader(bytes.NewReader(nil), 1024, t.TempDir())
	if err != nil {
		t.Fatalf("BufferReader: %v", err)
	}
	defer buf.Remove()

	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestBufferReader_SpillsToFile(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	buf, err := BufferReader(bytes.NewReader(payload), 16, t.TempDir())
	if err != nil {
		t.Fatalf("BufferReader: %v", err)
	}
	defer buf.Remove()

	if _, ok := buf.(FileBuffer); !ok {
		t.Fatalf("buf is %T, want FileBuffer once the payload exceeds memLimit", buf)
	}

	r, err := buf.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var got bytes.Buffer
	if _, err := got.ReadFrom(r); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Errorf("spilled contents do not match the original payload")
	}
}

func TestBufferReader_LargeNoSpillDirStaysInMemory(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 4096)
	buf, err := BufferReader(bytes.NewReader(payload), 16, "")
	if err != nil {
		t.Fatalf("BufferReader: %v", err)
	}
	defer buf.Remove()

	mb, ok := buf.(MemoryBuffer)
	if !ok {
		t.Fatalf("buf is %T, want MemoryBuffer when spillDir is empty", buf)
	}
	if !bytes.Equal(mb.Slice, payload) {
		t.Errorf("buffered contents do not match the original payload")
	}
}
