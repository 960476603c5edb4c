// Package scene holds the data model shared by the partitioner, the block
// store, the scheduler, the merge engine and the evaluation pipeline:
// ground-plane regions, capture frames, blocks, training jobs, block and
// global models, and held-out test views.
//
// Everything here is plain data. Values created by the partitioner or
// produced by a trainer are treated as immutable once handed on.
package scene
