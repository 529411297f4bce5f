// Package guestmem provides bounds checked access to the physical memory of a
// virtual machine, as seen by a device backend running on the host.
//
// Loads and stores of ring indexes go through sync/atomic so that values
// published by the guest with release semantics are observed in order.
package guestmem
