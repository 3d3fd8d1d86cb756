package memio_test

import (
	"errors"
	"testing"

	"github.com/kryvos/svmhv/memio"
)

func TestReadWritePhysRoundTrip(t *testing.T) {
	t.Parallel()

	g := &memio.GuestMemory{Base: 0x1000, Bytes: make([]byte, 0x4000)}

	if err := g.WritePhys64(0x1008, 0xDEADBEEFCAFEBABE); err != nil {
		t.Fatalf("WritePhys64: %v", err)
	}

	got, err := g.ReadPhys64(0x1008)
	if err != nil {
		t.Fatalf("ReadPhys64: %v", err)
	}

	if got != 0xDEADBEEFCAFEBABE {
		t.Fatalf("ReadPhys64 = %#x, want %#x", got, uint64(0xDEADBEEFCAFEBABE))
	}
}

func TestReadWritePhysOutOfRange(t *testing.T) {
	t.Parallel()

	g := &memio.GuestMemory{Base: 0x1000, Bytes: make([]byte, 0x1000)}

	if _, err := g.ReadPhys64(0x500); !errors.Is(err, memio.ErrOutOfRange) {
		t.Fatalf("ReadPhys64 below base: err = %v, want ErrOutOfRange", err)
	}

	if _, err := g.ReadPhys64(0x1FFC); !errors.Is(err, memio.ErrOutOfRange) {
		t.Fatalf("ReadPhys64 past end: err = %v, want ErrOutOfRange", err)
	}
}

func TestCR3CloakRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		enabled bool
		key     uint64
	}{
		{"disabled is identity", false, 0x1337},
		{"enabled xors with key", true, 0x1337DEADBEEFCAFE},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var c memio.CR3Cloak

			if test.enabled {
				c.Enable(test.key)
			}

			const cr3 = 0x0000_0001_2345_6000

			enc := c.Encrypt(cr3)
			if got := c.Decrypt(enc); got != cr3 {
				t.Fatalf("Decrypt(Encrypt(%#x)) = %#x, want %#x", cr3, got, cr3)
			}

			if !test.enabled && enc != cr3 {
				t.Fatalf("disabled Encrypt changed value: got %#x, want %#x", enc, cr3)
			}
		})
	}
}

func TestCR3CloakDisableRestoresIdentity(t *testing.T) {
	t.Parallel()

	var c memio.CR3Cloak

	c.Enable(0xABCD)

	const cr3 = 0x1000

	if c.Decrypt(cr3) == cr3 {
		t.Fatal("Decrypt should differ from input while enabled with a non-zero key")
	}

	c.Disable()

	if got := c.Decrypt(cr3); got != cr3 {
		t.Fatalf("Decrypt after Disable = %#x, want identity %#x", got, cr3)
	}
}
