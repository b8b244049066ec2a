// Package memreg declares the memory-registration collaborator contract
// (spec §1, §6). Registration mechanics with the NIC are out of this core's
// scope; transfer entries and the posting layer only need to register,
// release, and fetch an opaque per-segment descriptor (plus a shared-memory
// view of the same registration).
package memreg

// Handle is an opaque registration handle returned by Registrar.Register.
type Handle any

// Registrar is the memory-registration boundary.
type Registrar interface {
	// Register pins buf for access mode access (read/write/remote),
	// returning a handle used to fetch a descriptor or release the
	// registration.
	Register(buf []byte, access AccessFlags) (Handle, error)

	// Release unregisters a previously registered buffer.
	Release(h Handle) error

	// Descriptor returns the opaque per-segment NIC descriptor for h,
	// handed to transport.IOVec.Desc.
	Descriptor(h Handle) any

	// SHMDescriptor returns a shared-memory-space view of the same
	// registration, for packets dispatched over the SHM transport.
	SHMDescriptor(h Handle) any
}

// AccessFlags mirrors the RDMA access-mode bitmask (local read/write,
// remote read/write) a registration is created with.
type AccessFlags uint8

const (
	AccessLocalRead AccessFlags = 1 << iota
	AccessLocalWrite
	AccessRemoteRead
	AccessRemoteWrite
)
