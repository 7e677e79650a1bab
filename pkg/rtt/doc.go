// Package rtt implements the host side of SEGGER's Real-Time Transfer
// protocol.
//
// Firmware places a control block in RAM: a 16 byte identifier starting
// with "SEGGER RTT", the number of Up (target to host) and Down (host to
// target) buffers, then one 24 byte descriptor per buffer. Each descriptor
// points at a ring buffer and carries its write and read offsets.
//
// The host never gets help from the target: a Locator scans memory through
// the probe to find the control block, and the channels move bytes by
// reading and writing the rings and the offsets they own, one remote
// memory access at a time. Nothing here retries or schedules; callers poll
// (see package monitor) and decide what to do about errors.
package rtt
