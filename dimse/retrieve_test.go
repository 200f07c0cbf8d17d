package dimse

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/giesekow/go-netdicom"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
)

const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// encodeElements builds raw dataset bytes the way a peer sends them over
// an association, without a file meta group.
func encodeElements(t *testing.T, elems ...*dicom.Element) []byte {
	t.Helper()
	encoder := dicomio.NewBytesEncoderWithTransferSyntax(explicitVRLittleEndian)
	for _, elem := range elems {
		dicom.WriteElement(encoder, elem)
	}
	if err := encoder.Error(); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return encoder.Bytes()
}

func TestNewInstanceParsesWireBytes(t *testing.T) {
	data := encodeElements(t,
		dicom.MustNewElement(dicomtag.PatientID, "PAT-1"),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, "1.2.3.4"),
	)

	inst, err := newInstance(explicitVRLittleEndian, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4", data)
	if err != nil {
		t.Fatalf("newInstance: %v", err)
	}
	if inst.SOPInstanceUID != "1.2.3.4" || inst.TransferSyntaxUID != explicitVRLittleEndian {
		t.Fatalf("instance = %+v", inst)
	}
	if len(inst.Data) != len(data) {
		t.Fatal("raw bytes not preserved")
	}
	elem, err := inst.DataSet.FindElementByTag(dicomtag.PatientID)
	if err != nil {
		t.Fatalf("PatientID missing: %v", err)
	}
	if got, _ := elem.GetString(); got != "PAT-1" {
		t.Fatalf("PatientID = %q", got)
	}
}

func TestWriteInstanceFileRoundTrip(t *testing.T) {
	data := encodeElements(t,
		dicom.MustNewElement(dicomtag.PatientID, "PAT-1"),
	)
	inst, err := newInstance(explicitVRLittleEndian, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4", data)
	if err != nil {
		t.Fatalf("newInstance: %v", err)
	}

	path := filepath.Join(t.TempDir(), "1.2.3.4.dcm")
	if err := WriteInstanceFile(path, inst); err != nil {
		t.Fatalf("write: %v", err)
	}

	ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	elem, err := ds.FindElementByTag(dicomtag.PatientID)
	if err != nil {
		t.Fatalf("PatientID missing after round trip: %v", err)
	}
	if got, _ := elem.GetString(); got != "PAT-1" {
		t.Fatalf("PatientID = %q", got)
	}
}

func TestWriteInstanceFileBadPath(t *testing.T) {
	inst := &Instance{TransferSyntaxUID: explicitVRLittleEndian}
	err := WriteInstanceFile(filepath.Join(t.TempDir(), "no", "such", "dir", "x.dcm"), inst)
	if !errors.Is(err, common.ErrStorage) {
		t.Fatalf("err = %v", err)
	}
}

// closedPort returns a port on localhost that nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestGetStudyToMemoryUnreachablePeer(t *testing.T) {
	client := NewClient(config.PACSConfig{
		Host:            "127.0.0.1",
		Port:            closedPort(t),
		AET:             "PACS",
		CallingAET:      "CLARINET",
		RetrieveTimeout: 2 * time.Second,
	})

	_, err := client.GetStudyToMemory(context.Background(), "1.2.3")
	if !errors.Is(err, common.ErrAssociation) {
		t.Fatalf("err = %v, want association failure", err)
	}
}

func TestDialogueTimeoutClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// A silent peer: accepts and swallows bytes until the client side
	// closes, never replying.
	peerSawClose := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(io.Discard, conn)
		close(peerSawClose)
	}()

	client := NewClient(config.PACSConfig{
		Host:       "127.0.0.1",
		Port:       ln.Addr().(*net.TCPAddr).Port,
		AET:        "PACS",
		CallingAET: "CLARINET",
	})

	// The op only returns once the peer has observed the close, so the
	// timeout path must tear the connection down for this to finish.
	op := func(su *netdicom.ServiceUser) error {
		<-peerSawClose
		return nil
	}

	start := time.Now()
	err = client.dialogue(context.Background(), 100*time.Millisecond, getServices(), op)
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("dialogue took %v, connection not closed on timeout", elapsed)
	}
	select {
	case <-peerSawClose:
	default:
		t.Fatal("peer connection still open after timeout")
	}
}
