// Package texture manages the lifetime of textures whose source of truth
// lives outside the compositor's own resource allocator, such as video
// frames imported from a decoder.
//
// Producers register hosts from any goroutine; the render thread is the
// only place hosts are locked for rendering and the only place their
// resources are released. Unregistration therefore never frees anything on
// the calling goroutine: hosts move to a deferred-destroy list that the
// render thread drains, so an in-flight render holding a lock can never
// race with destruction.
package texture
