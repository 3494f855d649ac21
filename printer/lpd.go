package printer

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
)

// LPDTransport collects the whole job and submits it to an LPD queue when
// closed. The protocol has no way to return printer status mid-job.
type LPDTransport struct {
	conn   net.Conn
	queue  string
	jobBuf bytes.Buffer
	closed bool
	mu     sync.Mutex
}

func NewLPDTransport(conn net.Conn, queue string) *LPDTransport {
	if queue == "" {
		queue = "lp"
	}
	return &LPDTransport{
		conn:  conn,
		queue: queue,
	}
}

func (l *LPDTransport) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, io.ErrClosedPipe
	}
	return l.jobBuf.Write(data)
}

func (l *LPDTransport) Poll([]byte, time.Duration) (int, error) {
	return 0, ErrNoBackChannel
}

func (l *LPDTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	defer func() { l.closed = true }()

	if l.jobBuf.Len() == 0 {
		logInternal.Debug("lpd: empty job, closing connection")
		return l.conn.Close()
	}

	if err := l.flushJob(); err != nil {
		_ = l.conn.Close()
		return err
	}
	return l.conn.Close()
}

func (l *LPDTransport) flushJob() error {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "lp"
	}

	jobID := int(time.Now().UnixNano() % 1000000)
	hostShort := host
	if i := strings.IndexByte(hostShort, '.'); i > 0 {
		hostShort = hostShort[:i]
	}
	jobName := fmt.Sprintf("thermal-%d", jobID)
	cfName := fmt.Sprintf("cfA%03d%s", jobID%1000, hostShort)
	dfName := fmt.Sprintf("dfA%03d%s", jobID%1000, hostShort)

	// H host, P user, J job name, N source name, l data file printed raw
	control := fmt.Sprintf(
		"H%s\nP%s\nJ%s\nN%s\nl%s\n",
		host, user, jobName, dfName, dfName,
	)

	if err := requestPrintJob(l.conn, l.queue); err != nil {
		return fmt.Errorf("lpd: receive job: %w", err)
	}
	if err := sendSubcommand(l.conn, 0x02, cfName, []byte(control)); err != nil {
		return fmt.Errorf("lpd: control file: %w", err)
	}

	data := l.jobBuf.Bytes()
	if err := sendSubcommand(l.conn, 0x03, dfName, data); err != nil {
		return fmt.Errorf("lpd: data file: %w", err)
	}

	logInternal.Info("lpd: job submitted",
		zap.String("queue", l.queue), zap.String("job", jobName), zap.Int("bytes", len(data)))
	l.jobBuf.Reset()
	return nil
}

// -------------------- LPD helpers --------------------

func requestPrintJob(conn net.Conn, queue string) error {
	// \x02 <queue> \n
	if err := writeAll(conn, []byte("\x02"+queue+"\n")); err != nil {
		return err
	}
	return readAck(conn)
}

// sendSubcommand sends a control (0x02) or data (0x03) file:
// <code> <size> SP <name> LF, the file, then a zero byte.
func sendSubcommand(conn net.Conn, code byte, name string, body []byte) error {
	header := []byte{code}
	header = append(header, strconv.Itoa(len(body))+" "+name+"\n"...)
	if err := writeAll(conn, header); err != nil {
		return err
	}
	if err := writeAll(conn, body); err != nil {
		return err
	}
	if err := writeAll(conn, []byte{0x00}); err != nil {
		return err
	}
	return readAck(conn)
}

func readAck(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	ack := make([]byte, 1)
	n, err := conn.Read(ack)
	if err != nil {
		return fmt.Errorf("reading ack: %w", err)
	}
	if n != 1 || ack[0] != 0x00 {
		return fmt.Errorf("request not acknowledged (0x%02x)", ack[0])
	}
	return nil
}
