// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ttg implements a task-template graph runtime: a computation
// is expressed as a static graph of operators parameterized by a
// user-supplied key, linked by typed edges. An operator instance runs
// when all of its keyed inputs have arrived, and emits keyed values on
// output terminals that flow to successor operators, locally or on a
// remote rank.
//
// The package defines the graph-construction surface (Key, Value,
// OpBase, Terminal, Edge); the dispatch engine that actually runs a
// graph (the pending-task table, the refcounted data-copy layer, the
// active-message transport, and the worker scheduler) lives in the
// exec subpackage, with the pending-task table and the data-copy layer
// in internal/pendingtask and internal/datacopy.
package ttg
