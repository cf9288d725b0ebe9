// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trainer

// TeacherForcingPolicy computes the teacher forcing ratio to use for the
// given epoch, starting from the current ratio. Policies must be pure:
// the trainer calls them once at the beginning of each epoch.
type TeacherForcingPolicy func(epoch int, current float64) float64

// ConstantTeacherForcing keeps the ratio unchanged across epochs.
func ConstantTeacherForcing(_ int, current float64) float64 {
	return current
}

// StepTeacherForcingDecay lowers the ratio by 0.05 at fixed epoch
// intervals once a warmup period has passed, never dropping below 0.1.
func StepTeacherForcingDecay(warmupEpochs, interval int) TeacherForcingPolicy {
	return func(epoch int, current float64) float64 {
		if epoch >= warmupEpochs && epoch%interval == 0 && current > 0.1 {
			return current - 0.05
		}
		return current
	}
}
