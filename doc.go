// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package parspi defines the wire protocol of a bridge that reaches an SD
// card's SPI bus through a computer's parallel port.
//
// The host drives REQ and CLK and owns the eight data lines between
// sessions; the device answers with ACT and reports card-detect changes on
// IRQ. Every transfer is one REQ-bounded session opened by a command byte
// (see Command), and each data byte moves on one CLK transition.
//
// The device and host packages implement the two ends, presence debounces
// IRQ into media-change events, sd speaks SPI-mode SD on top of the host
// primitives and disk combines them into a removable block device.
package parspi
