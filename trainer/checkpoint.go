// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trainer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Checkpoint describes one saved model snapshot. The training metrics
// are embedded in the filename so a directory listing tells the whole
// story of a run.
type Checkpoint struct {
	Epoch          int
	TrainLoss      float64
	DevPerplexity  float64
	DevBLEU        float64
	TeacherForcing float64
	// Validated reports whether the snapshot carries dev metrics.
	Validated bool
}

// Filename renders the checkpoint name, without directory or extension.
func (c Checkpoint) Filename() string {
	if c.Validated {
		return fmt.Sprintf("epoch_%d_trainLoss_%.2f_devPerp_%.2f_devBleu_%.2f_TF_%.2f",
			c.Epoch, c.TrainLoss, c.DevPerplexity, c.DevBLEU, c.TeacherForcing)
	}
	return fmt.Sprintf("epoch_%d_trainLoss_%.2f_TF_%.2f", c.Epoch, c.TrainLoss, c.TeacherForcing)
}

// ParseCheckpoint reads the metrics back out of a checkpoint filename.
func ParseCheckpoint(name string) (Checkpoint, error) {
	parts := strings.Split(name, "_")
	if len(parts)%2 != 0 {
		return Checkpoint{}, fmt.Errorf("malformed checkpoint name %q", name)
	}

	var c Checkpoint
	seen := make(map[string]bool, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		key, value := parts[i], parts[i+1]
		if seen[key] {
			return Checkpoint{}, fmt.Errorf("malformed checkpoint name %q: duplicate field %q", name, key)
		}
		seen[key] = true

		switch key {
		case "epoch":
			epoch, err := strconv.Atoi(value)
			if err != nil {
				return Checkpoint{}, fmt.Errorf("malformed checkpoint name %q: %w", name, err)
			}
			c.Epoch = epoch
		case "trainLoss", "devPerp", "devBleu", "TF":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Checkpoint{}, fmt.Errorf("malformed checkpoint name %q: %w", name, err)
			}
			switch key {
			case "trainLoss":
				c.TrainLoss = v
			case "devPerp":
				c.DevPerplexity = v
			case "devBleu":
				c.DevBLEU = v
			case "TF":
				c.TeacherForcing = v
			}
		default:
			return Checkpoint{}, fmt.Errorf("malformed checkpoint name %q: unknown field %q", name, key)
		}
	}
	if !seen["epoch"] || !seen["trainLoss"] || !seen["TF"] {
		return Checkpoint{}, fmt.Errorf("malformed checkpoint name %q: missing required fields", name)
	}
	c.Validated = seen["devPerp"] && seen["devBleu"]
	return c, nil
}

// ListCheckpoints returns the parsed checkpoints found in dir, skipping
// files whose names do not follow the checkpoint format.
func ListCheckpoints(dir string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c, err := ParseCheckpoint(e.Name())
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
