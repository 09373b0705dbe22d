// Package dsuid derives and formats the identifiers used by the vDC host.
//
// A dSUID is 17 bytes: a UUID followed by a sub-device index byte.
// Identifiers are derived deterministically wherever possible so they stay
// stable across restarts:
//
//	host  = UUIDv5(VendorNamespace(vendor), "mac:"+mac)
//	vDC   = UUIDv5(host,  "vdc:"+modelUID)
//	VdSD  = UUIDv5(vDC,   "vdsd:"+uniqueID) with the sub-device index in byte 16
//
// Random (version 4) dSUIDs are only used when no stable input exists.
package dsuid
