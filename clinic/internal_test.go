package clinic

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFieldPath(t *testing.T) {
	assert.Equal(t, "clientId", fieldPath("SaleInput.ClientID"))
	assert.Equal(t, "items[2].refId", fieldPath("SaleInput.Items[2].RefID"))
	assert.Equal(t, "paymentMethod", fieldPath("SaleInput.PaymentMethod"))
}

func TestKeyedMutex_SerialisesSameKeyAndCleansUp(t *testing.T) {
	km := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("pkg:C1:P1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock(packageKey("C1", "P1"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock(packageKey("C2", "P1"))
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}

func TestDerivationResult_Summary(t *testing.T) {
	r := &DerivationResult{Created: 2, SkippedDuplicate: 1, SkippedProductType: 3}
	assert.Equal(t, "2 appointment(s) created, 1 skipped as duplicate, 3 product item(s) ignored", r.Summary())
	assert.NoError(t, r.Err())

	r.Failures = []ItemFailure{{SaleID: "s", ItemIndex: 0, Kind: ItemService, RefID: "S1", Err: ErrPersistence}}
	assert.ErrorIs(t, r.Err(), ErrPersistence)
}
