package addr

import (
	"errors"
	"net"
	"testing"
)

func TestIPv4PrefixMasksHostBits(t *testing.T) {
	a, err := NewIPv4Prefix(net.IPv4(10, 1, 2, 3), 16)
	if err != nil {
		t.Fatalf("NewIPv4Prefix failed: %v", err)
	}
	want := net.IPv4(10, 1, 0, 0).To4()
	if !net.IP(a.Bytes[:4]).Equal(want) {
		t.Errorf("host bits not masked: got %s, want %s", net.IP(a.Bytes[:4]), want)
	}
}

func TestInnerAddrEqual(t *testing.T) {
	a := NewIPv4Host(net.IPv4(10, 8, 0, 6))
	b := NewIPv4Host(net.IPv4(10, 8, 0, 6))
	c := NewIPv4Host(net.IPv4(10, 8, 0, 10))

	if !a.Equal(b) {
		t.Error("expected equal addresses to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected different addresses to compare unequal")
	}
}

func TestInnerAddrEqualRejectsVariantMismatch(t *testing.T) {
	ipv4 := NewIPv4Host(net.IPv4(10, 0, 0, 1))
	mac, _ := net.ParseMAC("00:00:00:00:00:01")
	ether := NewEther(mac)

	if ipv4.Equal(ether) {
		t.Error("addresses of different variants must never compare equal")
	}
}

func TestHashStableAcrossCalls(t *testing.T) {
	a := NewIPv4Host(net.IPv4(192, 168, 1, 1))
	h1 := a.Hash()
	h2 := a.Hash()
	if h1 != h2 {
		t.Errorf("hash not stable: %d != %d", h1, h2)
	}
}

func TestExtractFromFrameIPv4(t *testing.T) {
	frame := make([]byte, 20)
	frame[0] = 0x45 // version 4, IHL 5
	copy(frame[12:16], net.IPv4(10, 8, 0, 6).To4())
	copy(frame[16:20], net.IPv4(10, 8, 0, 10).To4())

	src, dst, class, err := ExtractFromFrame(TunnelTUN, frame)
	if err != nil {
		t.Fatalf("ExtractFromFrame failed: %v", err)
	}
	if class != ClassUnicast {
		t.Errorf("expected unicast class, got %v", class)
	}
	if !src.IP().Equal(net.IPv4(10, 8, 0, 6)) {
		t.Errorf("src mismatch: %s", src.IP())
	}
	if !dst.IP().Equal(net.IPv4(10, 8, 0, 10)) {
		t.Errorf("dst mismatch: %s", dst.IP())
	}
}

func TestExtractFromFrameTooShort(t *testing.T) {
	_, _, _, err := ExtractFromFrame(TunnelTUN, []byte{0x45, 0x00})
	if err == nil {
		t.Fatal("expected error for too-short frame")
	}
}

func TestExtractFromFrameBroadcastEther(t *testing.T) {
	frame := make([]byte, 14)
	for i := 0; i < 6; i++ {
		frame[i] = 0xFF
	}
	copy(frame[6:12], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	frame[12] = 0x08
	frame[13] = 0x00

	_, _, class, err := ExtractFromFrame(TunnelTAP, frame)
	if err != nil {
		t.Fatalf("ExtractFromFrame failed: %v", err)
	}
	if class != ClassBroadcast {
		t.Errorf("expected broadcast class, got %v", class)
	}
}

func TestExtractFromFrameUnknownEtherTypeFails(t *testing.T) {
	frame := make([]byte, 14)
	copy(frame[0:6], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	copy(frame[6:12], []byte{0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB})
	frame[12] = 0x08 // 0x0806, ARP
	frame[13] = 0x06

	_, _, _, err := ExtractFromFrame(TunnelTAP, frame)
	if err == nil {
		t.Fatal("expected an error for a non-IP ethertype")
	}
	if !errors.Is(err, ErrUnknownEtherType) {
		t.Errorf("expected ErrUnknownEtherType, got %v", err)
	}
}

func TestOuterAddrKeyDistinguishesPorts(t *testing.T) {
	a := NewOuterUDP(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 100})
	b := NewOuterUDP(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 200})
	if a.Key() == b.Key() {
		t.Error("expected different ports to produce different keys")
	}
}
