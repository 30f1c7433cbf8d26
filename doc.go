// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package ccluster multiplexes many logical virtual connections (VCs) over a
// single long-lived TCP link between two cache-cluster peers, and layers a
// cache-operation RPC protocol (lookup, open-read, open-write, remove, link,
// deref) on top of that multiplexer.
//
// A Session owns one net.Conn to one peer. It runs a read pump, which
// blocks on the connection, and a write pump, woken by queued work and by a
// periodic tick, and maintains a channel table mapping 15-bit channel ids
// to VCs. VCs are the logical duplex streams riding on a Session; the RPC
// layer opens a VC for the body of an open-read or open-write operation,
// while the other cache operations travel as control messages only.
//
// Package reload (github.com/clustercache/ccluster/reload) provides the
// configuration-reload coordinator and registry used to apply live config
// changes to a running node; it has no dependency on the transport and can
// be used standalone.
package ccluster
