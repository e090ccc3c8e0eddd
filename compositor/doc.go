// Package compositor defines the capability interface through which
// per-window renderers drive frame production, plus a factory over the
// closed set of backend variants (native GPU, software).
//
// The interface is consumed, not implemented, by the render thread: a
// Compositor is created once per window at renderer construction and is
// fixed for the lifetime of that window. Variant selection happens at
// runtime through the registry, replacing compile-time platform branching
// with capability probing.
//
// All Compositor methods must be called from the render thread only.
package compositor
