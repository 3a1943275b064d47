package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/retry"
	"github.com/dhcgn/mail-to-sheets/rfc822"
)

var (
	ErrInvalidID          = errors.New("invalid imap message id")
	ErrUIDValidityChanged = errors.New("mailbox uidvalidity changed")
	ErrMessageNotFound    = errors.New("imap message not found")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	// Include narrows the UNSEEN search to subjects containing any keyword.
	Include     []string
	DialTimeout time.Duration
	Retry       retry.Policy
}

type client interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imapv2.SelectOptions) selectWaiter
	UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter
	Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter
	Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imapv2.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imapv2.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// Source reads unseen messages from one IMAP mailbox. Ids have the form
// "<uidvalidity>:<uid>".
type Source struct {
	opts   Options
	logger *slog.Logger
	dial   func(ctx context.Context) (client, error)

	conn        client
	uidValidity uint32
}

func New(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap username is empty")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Retry.Classify == nil {
		opts.Retry.Classify = Classify
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger
	}
	s := &Source{opts: opts, logger: logger}
	s.dial = s.dialServer
	return s, nil
}

func (s *Source) ListCandidates(ctx context.Context) ([]string, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	criteria := searchCriteria(s.opts.Include)
	seen := make(map[imapv2.UID]bool)
	var uids []imapv2.UID
	for _, c := range criteria {
		data, err := retry.DoValue(ctx, s.opts.Retry, "imap search", func() (*imapv2.SearchData, error) {
			return conn.UIDSearch(c, nil).Wait()
		})
		if err != nil {
			return nil, err
		}
		for _, uid := range data.AllUIDs() {
			if !seen[uid] {
				seen[uid] = true
				uids = append(uids, uid)
			}
		}
	}

	// newest first
	slices.SortFunc(uids, func(a, b imapv2.UID) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})

	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = formatID(s.uidValidity, uid)
	}
	if s.logger != nil {
		s.logger.Debug("imap search complete", "mailbox", s.opts.Mailbox, "count", len(ids))
	}
	return ids, nil
}

func (s *Source) FetchFull(ctx context.Context, id string) (model.RawMessage, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return model.RawMessage{}, err
	}
	uid, err := s.uidFor(id)
	if err != nil {
		return model.RawMessage{}, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}
	buffers, err := retry.DoValue(ctx, s.opts.Retry, "imap fetch", func() ([]*imapclient.FetchMessageBuffer, error) {
		return conn.Fetch(imapv2.UIDSetNum(uid), opts).Collect()
	})
	if err != nil {
		return model.RawMessage{}, err
	}

	for _, buf := range buffers {
		if buf == nil || buf.UID != uid {
			continue
		}
		body := buf.FindBodySection(section)
		if body == nil {
			break
		}
		raw, err := rfc822.FromBytes(id, body, buf.InternalDate)
		if err != nil {
			return model.RawMessage{}, fmt.Errorf("convert %s: %w", id, err)
		}
		return raw, nil
	}
	return model.RawMessage{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

// Acknowledge adds \Seen. Storing a flag that is already set is harmless.
func (s *Source) Acknowledge(ctx context.Context, id string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	uid, err := s.uidFor(id)
	if err != nil {
		return err
	}
	store := &imapv2.StoreFlags{Op: imapv2.StoreFlagsAdd, Silent: true, Flags: []imapv2.Flag{imapv2.FlagSeen}}
	return retry.Do(ctx, s.opts.Retry, "imap store", func() error {
		return conn.Store(imapv2.UIDSetNum(uid), store, nil).Close()
	})
}

// Close logs out and closes the connection if one is open.
func (s *Source) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Warn("imap logout failed", "err", err)
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Source) connect(ctx context.Context) (client, error) {
	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	data, err := conn.Select(s.opts.Mailbox, nil).Wait()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("imap select %s: %w", s.opts.Mailbox, err)
	}

	s.conn = conn
	if data != nil {
		s.uidValidity = data.UIDValidity
	}
	if s.logger != nil {
		s.logger.Debug("imap mailbox selected", "mailbox", s.opts.Mailbox, "uidValidity", s.uidValidity)
	}
	return conn, nil
}

func (s *Source) dialServer(ctx context.Context) (client, error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{Dialer: &net.Dialer{Timeout: s.opts.DialTimeout}}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	dial := imapclient.DialInsecure
	if s.opts.UseTLS {
		dial = imapclient.DialTLS
	}
	c, err := retry.DoValue(ctx, s.opts.Retry, "imap dial", func() (*imapclient.Client, error) {
		return dial(address, options)
	})
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}
	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)
	}
	return &clientWrapper{Client: c}, nil
}

func (s *Source) uidFor(id string) (imapv2.UID, error) {
	validity, uid, err := ParseID(id)
	if err != nil {
		return 0, err
	}
	if validity != s.uidValidity {
		return 0, fmt.Errorf("%w: id %s, mailbox %d", ErrUIDValidityChanged, id, s.uidValidity)
	}
	return uid, nil
}

func searchCriteria(include []string) []*imapv2.SearchCriteria {
	unseen := []imapv2.Flag{imapv2.FlagSeen}
	var out []*imapv2.SearchCriteria
	for _, k := range include {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		out = append(out, &imapv2.SearchCriteria{
			NotFlag: unseen,
			Header:  []imapv2.SearchCriteriaHeaderField{{Key: "Subject", Value: k}},
		})
	}
	if len(out) == 0 {
		out = append(out, &imapv2.SearchCriteria{NotFlag: unseen})
	}
	return out
}

func formatID(validity uint32, uid imapv2.UID) string {
	return strconv.FormatUint(uint64(validity), 10) + ":" + strconv.FormatUint(uint64(uid), 10)
}

// ParseID splits an id produced by ListCandidates.
func ParseID(id string) (uint32, imapv2.UID, error) {
	v, u, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return uint32(validity), imapv2.UID(uid), nil
}

// Classify treats server NO/BAD replies as fatal and connection problems
// as transient.
func Classify(err error) retry.Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Fatal
	}
	var imapErr *imapv2.Error
	if errors.As(err, &imapErr) {
		if imapErr.Type == imapv2.StatusResponseTypeBye {
			return retry.Transient
		}
		return retry.Fatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient
	}
	return retry.Unknown
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *clientWrapper) Select(mailbox string, options *imapv2.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *clientWrapper) Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
