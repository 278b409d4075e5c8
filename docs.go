/*
Package vkg is the Vulkan backend of the engine. It wraps the handful of
Vulkan objects the particle simulation needs and exposes them through Driver,
which implements gpu.Device.

The backend is headless: no surface or swapchain is created. Rendering code
that draws the particles submits to the same device through the graphics
queues handed out by Driver.AcquireQueue.

# Native Vulkan terms

	Instance	the vulkan runtime instance
	PhysicalDevice	the physical hardware device, queried once into a gpu.Capabilities
	Device		the logical device, target of most of the vulkan apis
	Queue		a queue which command buffers are submitted to
	DeviceMemory	an allocation of memory on the host or the device
	Buffer		a range of memory bound for shader or transfer use
	DescriptorSet	a mapping of buffers for use by shaders
	Pipeline	a description of how to process data on the GPU

# Queues

The device is created with up to two queues from the graphics family and,
when the hardware has one, a queue from a compute only family. Queues are not
safe for concurrent use, so Driver keeps each behind a mutex:

	q, unlock := driver.AcquireQueue(gpu.QueueCompute, 0)
	err := q.Submit(gpu.Submission{Command: cmd, Signal: []gpu.Semaphore{sem}}, fence)
	unlock()

# Memory

Buffers do not own device memory. A MemoryPool allocates chunks of
DefaultChunkSize bytes per memory type and sub-allocates them with a
LinearAllocator, honoring the alignment each buffer requires. Host visible
chunks are mapped once and stay mapped, so Buffer.Write is a plain copy.
Requests larger than a chunk get a dedicated allocation that is freed with
the buffer.

Native structures are exposed on every object through fields prefixed with
VK, so callers are never limited to what the wrappers provide.
*/
package vkg
