package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingLocker struct {
	locks, unlocks int
}

func (l *countingLocker) Lock()   { l.locks++ }
func (l *countingLocker) Unlock() { l.unlocks++ }

func TestOptionalRWMutexExternal(t *testing.T) {
	locker := &countingLocker{}
	m := OptionalRWMutex{External: locker, UseMutex: true}

	m.Lock()
	m.Unlock()
	m.RLock()
	m.RUnlock()

	require.Equal(t, 2, locker.locks)
	require.Equal(t, 2, locker.unlocks)
}

func TestOptionalRWMutexDisabled(t *testing.T) {
	locker := &countingLocker{}
	m := OptionalRWMutex{External: locker}

	m.Lock()
	m.RLock()
	m.RUnlock()
	m.Unlock()

	require.Zero(t, locker.locks)
}

func TestOptionalRWMutexInternal(t *testing.T) {
	m := OptionalRWMutex{UseMutex: true}
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}
