// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seq2seq

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"

	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/recurrent/lstm"
)

// DefaultModelFilename is the canonical model file name inside a
// model directory.
const DefaultModelFilename = "model.bin"

// Dump serializes the model to file. Parameters are written as a
// sequence of gob chunks so that loading never has to buffer the
// whole model twice.
func Dump(obj *Model, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return gobEncode(obj, f)
}

func gobEncode(obj *Model, w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	for _, chunk := range getChunksForGobEncoding(obj) {
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func getChunksForGobEncoding(obj *Model) []interface{} {
	return []interface{}{
		obj.Config,
		obj.SrcEmbeddings.(*nn.BaseParam),
		obj.TgtEmbeddings.(*nn.BaseParam),
		obj.EncoderFwd,
		obj.EncoderBwd,
		obj.Decoder,
		obj.AttnProj.(*nn.BaseParam),
		obj.CombineW.(*nn.BaseParam),
		obj.CombineB.(*nn.BaseParam),
		obj.OutW.(*nn.BaseParam),
		obj.OutB.(*nn.BaseParam),
		obj.InitYW.(*nn.BaseParam),
		obj.InitYB.(*nn.BaseParam),
		obj.InitCW.(*nn.BaseParam),
		obj.InitCB.(*nn.BaseParam),
	}
}

// Load deserializes a model previously written by Dump.
func Load(filename string) (_ *Model, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return gobDecoding(f)
}

func gobDecoding(r io.Reader) (*Model, error) {
	obj := &Model{
		EncoderFwd: &lstm.Model{},
		EncoderBwd: &lstm.Model{},
		Decoder:    &lstm.Model{},
	}

	br := bufio.NewReader(r)
	decoder := gob.NewDecoder(br)

	if err := decoder.Decode(&obj.Config); err != nil {
		return nil, err
	}

	params := []*nn.Param{
		&obj.SrcEmbeddings,
		&obj.TgtEmbeddings,
	}
	for _, p := range params {
		w := nn.BaseParam{}
		if err := decoder.Decode(&w); err != nil {
			return nil, err
		}
		*p = &w
	}

	if err := decoder.Decode(&obj.EncoderFwd); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.EncoderBwd); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.Decoder); err != nil {
		return nil, err
	}

	params = []*nn.Param{
		&obj.AttnProj,
		&obj.CombineW,
		&obj.CombineB,
		&obj.OutW,
		&obj.OutB,
		&obj.InitYW,
		&obj.InitYB,
		&obj.InitCW,
		&obj.InitCB,
	}
	for _, p := range params {
		w := nn.BaseParam{}
		if err := decoder.Decode(&w); err != nil {
			return nil, err
		}
		*p = &w
	}

	return obj, nil
}
