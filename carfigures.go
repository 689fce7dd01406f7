package carfigures

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type contextKey int

var (
	mainContext contextKey = 0
)

func IsMainContext(ctx context.Context) bool {
	val := ctx.Value(mainContext)
	if val == nil {
		return false
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

func MakeMainContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainContext, true)
}

const (
	// PackagePrefix is the namespace extension names may be given with.
	PackagePrefix = "carfigures.packages."
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	var tracer stackTracer
	if errors.As(err, &tracer) {
		for _, f := range tracer.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

// KeyLock serializes work per key while letting different keys proceed
// concurrently.
type KeyLock[K comparable] struct {
	mutex sync.Mutex
	locks map[K]*sync.WaitGroup
}

func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{
		locks: map[K]*sync.WaitGroup{},
	}
}

func (l *KeyLock[K]) WithLock(key K, f func()) {
	l.Lock(key)
	defer l.Unlock(key)
	f()
}

func (l *KeyLock[K]) Lock(key K) {
	trylock := func() *sync.WaitGroup {
		l.mutex.Lock()
		defer l.mutex.Unlock()
		if wg, found := l.locks[key]; found {
			return wg
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		l.locks[key] = wg
		return nil
	}
	for wg := trylock(); wg != nil; wg = trylock() {
		wg.Wait()
	}
}

func (l *KeyLock[K]) Unlock(key K) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if wg, found := l.locks[key]; found {
		delete(l.locks, key)
		wg.Done()
	}
}

func Increment(prevPointer *uint64) uint64 {
	next := uint64(0)
	for {
		next = uint64(time.Now().UnixNano())
		previous := atomic.LoadUint64(prevPointer)
		if next > previous && atomic.CompareAndSwapUint64(prevPointer, previous, next) {
			break
		}
	}
	return next
}

var (
	lastUniqueCounter uint64 = 0
	idEncoding               = base32.HexEncoding.WithPadding(base32.NoPadding)
)

const (
	uniqueIDLen = 12
)

// NextUniqueID returns a sortable, process-unique identifier.
func NextUniqueID() string {
	counter := Increment(&lastUniqueCounter)
	result := make([]byte, uniqueIDLen)
	binary.BigEndian.PutUint64(result, counter)
	if _, err := rand.Read(result[binary.Size(counter):]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return idEncoding.EncodeToString(result)
}
