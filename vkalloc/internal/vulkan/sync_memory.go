package vulkan

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/utils"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

const wholeSize = -1

// SynchronizedMemory wraps a coarse native allocation. The whole allocation is mapped at most
// once; every suballocation that needs host access takes references on that mapping.
type SynchronizedMemory struct {
	mapMutex      utils.OptionalMutex
	mapReferences int
	mapData       unsafe.Pointer

	memory native.Memory
}

func newSynchronizedMemory(memory native.Memory, useMutex bool) *SynchronizedMemory {
	return &SynchronizedMemory{
		mapMutex: utils.NewOptionalMutex(useMutex),
		memory:   memory,
	}
}

func (m *SynchronizedMemory) Memory() native.Memory {
	return m.memory
}

func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

// Map adds references to the mapping of the whole allocation, mapping it if this is the first
// reference, and returns the start of the mapped range
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, common.VkResult, error) {
	if references < 1 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}

		m.mapReferences += references
		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, res, err := m.memory.Map(0, wholeSize)
	if err != nil {
		return nil, res, err
	}
	if mappedData == nil {
		return nil, core1_0.VKErrorMemoryMapFailed, core1_0.VKErrorMemoryMapFailed.ToError()
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, res, nil
}

// Unmap releases references taken by Map and unmaps the allocation when none remain
func (m *SynchronizedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if references < 1 {
		return nil
	}

	if m.mapReferences < references {
		return errors.Errorf("attempted to release %d mapping references, but only %d are held", references, m.mapReferences)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

func (m *SynchronizedMemory) BindBuffer(offset int, buffer native.Buffer) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return buffer.BindMemory(m.memory, offset)
}

func (m *SynchronizedMemory) BindImage(offset int, image native.Image) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return image.BindMemory(m.memory, offset)
}

func (m *SynchronizedMemory) free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.memory.Unmap()
		m.mapReferences = 0
		m.mapData = nil
	}

	m.memory.Free()
}
