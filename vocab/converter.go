// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vocab

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/rs/zerolog/log"
)

// ConvertPickledVocab imports a Python-pickled vocabulary and saves it in
// the native gob format. The pickle is expected to contain a dict with
// "src" and "tgt" keys, each mapping token strings to integer ids, which
// is how the original training pipeline exports its vocabulary.
func ConvertPickledVocab(inFilename, outFilename string) error {
	log.Debug().Str("file", inFilename).Msg("Loading pickled vocabulary")

	raw, err := pickle.Load(inFilename)
	if err != nil {
		return fmt.Errorf("failed to load pickled vocab %q: %w", inFilename, err)
	}
	root, ok := raw.(*types.Dict)
	if !ok {
		return fmt.Errorf("expected pickled dict, actual %T", raw)
	}

	src, err := entryFromPickledDict(root, "src")
	if err != nil {
		return err
	}
	tgt, err := entryFromPickledDict(root, "tgt")
	if err != nil {
		return err
	}

	v := &Vocab{Src: src, Tgt: tgt}
	log.Debug().Int("src", v.Src.Size()).Int("tgt", v.Tgt.Size()).Msg("Converted vocabulary")
	return Dump(v, outFilename)
}

func entryFromPickledDict(root *types.Dict, key string) (*Entry, error) {
	raw, ok := root.Get(key)
	if !ok {
		return nil, fmt.Errorf("pickled vocab has no %q entry", key)
	}
	d, ok := raw.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("expected %q to be a dict, actual %T", key, raw)
	}

	if d.Len() < 4 {
		return nil, fmt.Errorf("pickled %q vocab has %d entries, expected at least the sentinels", key, d.Len())
	}
	tokens := make([]string, d.Len())
	for _, kv := range *d {
		tok, ok := kv.Key.(string)
		if !ok {
			return nil, fmt.Errorf("expected string token in %q, actual %T", key, kv.Key)
		}
		id, ok := kv.Value.(int)
		if !ok {
			return nil, fmt.Errorf("expected int id for token %q, actual %T", tok, kv.Value)
		}
		if id < 0 || id >= len(tokens) {
			return nil, fmt.Errorf("token %q has non-dense id %d (vocab size %d)", tok, id, len(tokens))
		}
		tokens[id] = tok
	}

	for id, want := range []string{PadToken, StartToken, EndToken, UnkToken} {
		if tokens[id] != want {
			return nil, fmt.Errorf("expected sentinel %q at id %d, actual %q", want, id, tokens[id])
		}
	}

	e := &Entry{
		Tokens: tokens,
		IDs:    make(map[string]int, len(tokens)),
	}
	for id, tok := range tokens {
		e.IDs[tok] = id
	}
	return e, nil
}
