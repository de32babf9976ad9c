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
	"io"
)

// BufferReader reads r into a Buffer, keeping it in memory as long as it
// stays within memLimit bytes and spilling to a file under spillDir the
// moment it doesn't. An empty spillDir keeps everything in memory
// regardless of size.
//
// Mirrors the teacher's autoBufferMode: read up to memLimit bytes first: a
// short read or a clean io.EOF means the whole body fit in memory, anything
// else means there's more to come and the rest is streamed straight to disk
// instead of growing the in-memory copy further.
func BufferReader(r io.Reader, memLimit int, spillDir string) (Buffer, error) {
	initial := make([]byte, memLimit)
	actualSize, err := io.ReadFull(r, initial)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return MemoryBuffer{Slice: initial[:actualSize]}, nil
		}
		if err == io.EOF {
			return MemoryBuffer{}, nil
		}
		return nil, err
	}

	if spillDir == "" {
		rest, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return MemoryBuffer{Slice: append(initial, rest...)}, nil
	}

	return BufferInFile(io.MultiReader(bytes.NewReader(initial[:actualSize]), r), spillDir)
}
