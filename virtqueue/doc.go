// Package virtqueue implements the device side of a split virtio queue as
// described in the virtio specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// The queue structures live in guest memory and are written by the guest
// driver, so every value read from them is treated as untrusted. The package
// discovers descriptor chain heads published in the available ring, walks the
// chains through the descriptor table and publishes completed chains in the
// used ring. It does not interpret the bytes inside a chain.
package virtqueue
