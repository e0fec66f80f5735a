//go:build !nogpu

package main

// Register the wgpu backend; NewEngine falls back to software without a GPU.
import _ "github.com/gogpu/gpusort/gpu"
