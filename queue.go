package vkg

import (
	"fmt"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

// Queue is not safe for concurrent use. Driver hands queues out through
// AcquireQueue which serializes access.
type Queue struct {
	Device  *Device
	Family  uint32
	Index   int
	VKQueue vk.Queue
}

func (q *Queue) WaitIdle() error {
	return errors.Wrapf(vk.Error(vk.QueueWaitIdle(q.VKQueue)), "vkg: wait idle on queue %d/%d", q.Family, q.Index)
}

// Submit submits one command buffer, signaling s.Signal on completion and
// fence if it is not nil.
func (q *Queue) Submit(s gpu.Submission, fence gpu.Fence) error {
	info := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{native[*CommandBuffer](s.Command).VKCommandBuffer},
	}
	if len(s.Signal) > 0 {
		sems := make([]vk.Semaphore, len(s.Signal))
		for i, sem := range s.Signal {
			sems[i] = native[*Semaphore](sem).VKSemaphore
		}
		info.SignalSemaphoreCount = uint32(len(sems))
		info.PSignalSemaphores = sems
	}
	var vkFence vk.Fence
	if fence != nil {
		vkFence = native[*Fence](fence).VKFence
	}
	if err := vk.Error(vk.QueueSubmit(q.VKQueue, 1, []vk.SubmitInfo{info}, vkFence)); err != nil {
		return errors.Wrapf(err, "vkg: submit to queue %d/%d", q.Family, q.Index)
	}
	return nil
}

func (q *Queue) String() string {
	return fmt.Sprintf("{Family: %d Index: %d}", q.Family, q.Index)
}
