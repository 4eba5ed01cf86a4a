// Command scan is a scanner-station client: it reads barcode commands, one
// per line, and sends them to a librarydesk server.
//
//	borrow <member code> <copy code>
//	return <copy code>
//	member <member code>
//	sweep
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"librarydesk/internal/circulation"
	"librarydesk/internal/clients"
	"librarydesk/internal/membership"
)

var errUsage = errors.New("usage: borrow <member> <copy> | return <copy> | member <code> | sweep")

type circulationAPI interface {
	Borrow(ctx context.Context, memberCode, copyCode string) (*circulation.ScanResponse, error)
	Return(ctx context.Context, copyCode string) (*circulation.ScanResponse, error)
	Sweep(ctx context.Context) (int, error)
}

type membershipAPI interface {
	GetMember(ctx context.Context, code string) (*membership.Member, error)
}

type station struct {
	loans   circulationAPI
	members membershipAPI
	out     io.Writer
	timeout time.Duration
}

func main() {
	server := flag.String("server", "http://localhost:8082", "librarydesk server URL")
	timeout := flag.Duration("timeout", 10*time.Second, "per-scan timeout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s := &station{
		loans:   clients.NewCirculationClient(*server),
		members: clients.NewMembershipClient(*server),
		out:     os.Stdout,
		timeout: *timeout,
	}
	if err := s.run(ctx, os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run processes lines until EOF. A failed scan is reported and the station
// keeps reading.
func (s *station) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.handle(ctx, line); err != nil {
			fmt.Fprintf(s.out, "ERROR %v\n", err)
		}
	}
	return scanner.Err()
}

func (s *station) handle(ctx context.Context, line string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields := strings.Fields(line)
	switch {
	case fields[0] == "borrow" && len(fields) == 3:
		res, err := s.loans.Borrow(ctx, fields[1], fields[2])
		if err != nil {
			return err
		}
		s.print(res)
	case fields[0] == "return" && len(fields) == 2:
		res, err := s.loans.Return(ctx, fields[1])
		if err != nil {
			return err
		}
		s.print(res)
	case fields[0] == "member" && len(fields) == 2:
		m, err := s.members.GetMember(ctx, fields[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "OK %s %s (%s)\n", m.Code, m.Name, m.MemberType)
	case fields[0] == "sweep" && len(fields) == 1:
		n, err := s.loans.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "OK %d loan(s) marked overdue\n", n)
	default:
		return errUsage
	}
	return nil
}

func (s *station) print(res *circulation.ScanResponse) {
	fmt.Fprintf(s.out, "OK %s\n", res.Message)
	if !res.NotificationQueued {
		fmt.Fprintln(s.out, "   (notification not queued)")
	}
}
