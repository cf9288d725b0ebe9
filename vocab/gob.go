// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vocab

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
)

// DefaultVocabFilename is the canonical vocabulary file name inside a
// model directory.
const DefaultVocabFilename = "vocab.bin"

// Dump saves the Vocab to a file.
func Dump(v *Vocab, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open vocab dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close vocab dump file %q: %w", filename, e)
		}
	}()

	bw := bufio.NewWriter(f)
	encoder := gob.NewEncoder(bw)
	if err = encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode vocab dump: %w", err)
	}
	return bw.Flush()
}

// Load reads a Vocab previously saved with Dump.
func Load(filename string) (_ *Vocab, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()

	v := &Vocab{}
	decoder := gob.NewDecoder(bufio.NewReader(f))
	if err := decoder.Decode(v); err != nil {
		return nil, fmt.Errorf("failed to decode vocab file %q: %w", filename, err)
	}
	return v, nil
}
