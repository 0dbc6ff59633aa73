package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"

	"github.com/crystal-mush/cmdhost/pkg/boltstore"
	"github.com/crystal-mush/cmdhost/pkg/crypt"
	"github.com/crystal-mush/cmdhost/pkg/events"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// Built-in set keys.
const (
	SetUnloggedIn = "unloggedin"
	SetSession    = "session"
	SetActor      = "actor"
)

// ErrBadLogin is returned for an unknown account or a wrong password.
var ErrBadLogin = errors.New("Either that player does not exist, or has a different password.")

// ErrThrottled is returned when too many logins failed recently.
var ErrThrottled = errors.New("Too many failed attempts. Try again later.")

// ParseCredentials splits "name password", where name may be "quoted"
// to hold spaces.
func ParseCredentials(rest string) (user, password string) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", ""
	}
	if rest[0] == '"' {
		if end := strings.IndexByte(rest[1:], '"'); end >= 0 {
			return rest[1 : end+1], strings.TrimSpace(rest[end+2:])
		}
	}
	parts := strings.SplitN(rest, " ", 2)
	user = parts[0]
	if len(parts) > 1 {
		password = strings.TrimSpace(parts[1])
	}
	return user, password
}

// loginLimiter counts failed logins per remote host and per account name
// within a sliding window.
type loginLimiter struct {
	mu       sync.Mutex
	failures cache.Cache[string, int]
	max      int
}

func newLoginLimiter(max int, window time.Duration) *loginLimiter {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &loginLimiter{
		failures: cache.NewCache[string, int]().WithTTL(window).WithMaxKeys(10000),
		max:      max,
	}
}

func (l *loginLimiter) blocked(keys ...string) bool {
	if l.max <= 0 {
		return false
	}
	for _, k := range keys {
		if n, ok := l.failures.Get(k); ok && n >= l.max {
			return true
		}
	}
	return false
}

func (l *loginLimiter) fail(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		n, _ := l.failures.Get(k)
		l.failures.Set(k, n+1, 0)
	}
}

func (l *loginLimiter) reset(keys ...string) {
	for _, k := range keys {
		l.failures.Remove(k)
	}
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Authenticate checks credentials for a session coming from addr. Legacy
// hashes are upgraded to bcrypt on success.
func (g *Game) Authenticate(addr, user, password string) (*gamedb.Account, error) {
	keys := []string{"host:" + hostOf(addr), "name:" + strings.ToLower(user)}
	if g.logins.blocked(keys...) {
		return nil, ErrThrottled
	}
	acct, err := g.Store.GetAccount(user)
	if err != nil {
		if !errors.Is(err, boltstore.ErrNoAccount) {
			log.Printf("login %q: %v", user, err)
		}
		g.logins.fail(keys...)
		return nil, ErrBadLogin
	}
	ok, upgrade := crypt.Check(password, acct.PasswordHash)
	if !ok {
		g.logins.fail(keys...)
		return nil, ErrBadLogin
	}
	g.logins.reset(keys...)
	if upgrade {
		if h, err := crypt.Hash(password); err == nil {
			acct.PasswordHash = h
			log.Printf("login %q: password hash upgraded to bcrypt", acct.Name)
		}
	}
	if !g.DB.Valid(acct.Actor) {
		return nil, fmt.Errorf("account %s has no actor", acct.Name)
	}
	return acct, nil
}

// LoginSession binds d to acct: the session swaps its pre-login set for
// the session set and the account's permanent sets are restored.
func (g *Game) LoginSession(d *Descriptor, acct *gamedb.Account) {
	acct.LastLogin = time.Now()
	if err := g.Store.PutAccount(acct); err != nil {
		log.Printf("[%s] saving account %s: %v", d.ID, acct.Name, err)
	}
	g.Conns.Login(d, acct.Name, acct.Actor)

	st := g.Sets.Stack(connRef(d))
	st.Detach(SetUnloggedIn)
	if set, ok := g.Library.Get(SetSession); ok {
		st.Attach(set, false)
	}
	if len(g.Sets.Snapshot(accountRef(acct.Name))) == 0 {
		g.restoreKeys(accountRef(acct.Name), acct.CmdSets)
	}
	log.Printf("[%s] %s connected as %s from %s", d.ID, acct.Name, g.Name(acct.Actor), d.Addr)
}

// CreateAccount makes a new actor in the start room and an account that
// puppets it.
func (g *Game) CreateAccount(user, password string) (*gamedb.Account, error) {
	if err := validName(user); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("You must give a password.")
	}
	if _, err := g.Store.GetAccount(user); err == nil || g.DB.LookupPlayer(user) != gamedb.Nothing {
		return nil, fmt.Errorf("That name is already taken.")
	}
	hash, err := crypt.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	start := g.Conf.StartingRoom()
	if !g.DB.Valid(start) {
		start = 0
	}
	player := g.DB.Create(user, gamedb.TypePlayer, start, gamedb.Nothing)
	player, err = g.DB.Update(player.DBRef, func(o *gamedb.Object) error {
		o.CmdSets = append([]string(nil), g.Conf.ActorSets...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := g.Store.PutObject(player); err != nil {
		return nil, err
	}
	g.restoreKeys(objRef(player), player.CmdSets)

	acct := &gamedb.Account{Name: user, PasswordHash: hash, Actor: player.DBRef, Created: time.Now()}
	if err := g.Store.PutAccount(acct); err != nil {
		return nil, err
	}
	log.Printf("New account %s with actor %s", user, player.Display())
	return acct, nil
}

func validName(name string) error {
	switch {
	case len(name) < 2:
		return fmt.Errorf("That name is too short.")
	case strings.ContainsAny(name, "\";#=:/"):
		return fmt.Errorf("That name contains illegal characters.")
	case strings.EqualFold(name, "me") || strings.EqualFold(name, "here"):
		return fmt.Errorf("That name is not allowed.")
	}
	return nil
}

// announceArrival runs after a successful connect or create.
func (g *Game) announceArrival(d *Descriptor, greeting, text string) {
	actor := d.Actor()
	d.Send(greeting)
	if text != "" {
		d.SendNoNewline(text)
	}
	if obj, ok := g.DB.Get(actor); ok {
		if len(g.Conns.GetByPlayer(actor)) == 1 {
			g.EmitRoomExcept(obj.Location, actor, events.Event{
				Type:   events.EvConnect,
				Player: actor,
				Source: actor,
				Text:   fmt.Sprintf("%s has connected.", obj.DisplayName()),
			})
		}
		d.Send(g.describeRoom(actor, obj.Location))
	}
}

// WelcomeText is the default welcome screen shown to new connections.
const WelcomeText = `
Welcome.

"connect <name> <password>" to connect to your existing character.
"create <name> <password>" to create a new character.
"WHO" to see who is connected.
"QUIT" to disconnect.

`
