package responder

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
)

// MaxReplyLen caps script replies, in runes.
const MaxReplyLen = 2000

// ScriptComposer writes replies with a Lua script. The script defines a
// global function reply(character, text), or returns a table holding one,
// that returns the reply string.
//
// Scripts can call whoseapp.pick(list) for a seeded random choice,
// whoseapp.contains(text, word) for a case-insensitive search and
// whoseapp.log(msg) to write to the client log.
type ScriptComposer struct {
	mu  sync.Mutex
	L   *lua.LState
	fn  *lua.LFunction
	rng *rand.Rand
	log zerolog.Logger
}

// NewScriptComposer loads a script file.
func NewScriptComposer(path string, seed int64) (*ScriptComposer, error) {
	s := newScriptState(seed)
	if err := s.L.DoFile(path); err != nil {
		s.Close()
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	if err := s.bind(); err != nil {
		s.Close()
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	return s, nil
}

// NewScriptComposerString loads a script from source.
func NewScriptComposerString(src string, seed int64) (*ScriptComposer, error) {
	s := newScriptState(seed)
	if err := s.L.DoString(src); err != nil {
		s.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	if err := s.bind(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newScriptState(seed int64) *ScriptComposer {
	L := lua.NewState(lua.Options{
		CallStackSize: 120,
		RegistrySize:  120 * 20,
	})
	s := &ScriptComposer{
		L:   L,
		rng: rand.New(rand.NewSource(seed)),
		log: logging.Component("script"),
	}
	s.register()
	return s
}

func (s *ScriptComposer) register() {
	mod := s.L.NewTable()
	mod.RawSetString("pick", s.L.NewFunction(s.luaPick))
	mod.RawSetString("contains", s.L.NewFunction(luaContains))
	mod.RawSetString("log", s.L.NewFunction(s.luaLog))
	s.L.SetGlobal("whoseapp", mod)
}

// bind finds the reply function: a table returned by the script first,
// then the global.
func (s *ScriptComposer) bind() error {
	var fn lua.LValue = lua.LNil
	if tbl, ok := s.L.Get(-1).(*lua.LTable); ok {
		fn = tbl.RawGetString("reply")
	}
	if fn == lua.LNil {
		fn = s.L.GetGlobal("reply")
	}
	f, ok := fn.(*lua.LFunction)
	if !ok {
		return fmt.Errorf("script does not define a reply function")
	}
	s.fn = f
	s.L.SetTop(0)
	return nil
}

// Close shuts down the Lua state.
func (s *ScriptComposer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.L.Close()
}

func (s *ScriptComposer) Compose(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	if err := s.L.CallByParam(lua.P{
		Fn:      s.fn,
		NRet:    1,
		Protect: true,
	}, s.characterTable(req.Character), lua.LString(req.Inbound)); err != nil {
		return "", fmt.Errorf("call reply: %w", err)
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)

	str, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("reply returned %s, want string", ret.Type())
	}
	text := strings.TrimSpace(string(str))
	if text == "" {
		return "", fmt.Errorf("reply returned an empty string")
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("reply contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxReplyLen {
		text = string([]rune(text)[:MaxReplyLen])
	}
	return text, nil
}

func (s *ScriptComposer) characterTable(c model.Character) *lua.LTable {
	t := s.L.NewTable()
	t.RawSetString("id", lua.LString(c.ID))
	t.RawSetString("name", lua.LString(c.Name))
	t.RawSetString("title", lua.LString(c.Title))
	t.RawSetString("role", lua.LString(c.Role()))
	t.RawSetString("department", lua.LString(c.Department))
	t.RawSetString("clearance", lua.LString(c.Clearance.String()))
	t.RawSetString("presence", lua.LString(c.Presence))
	specs := s.L.NewTable()
	for i, sp := range c.Specialties {
		specs.RawSetInt(i+1, lua.LString(sp))
	}
	t.RawSetString("specialties", specs)
	return t
}

func (s *ScriptComposer) luaPick(L *lua.LState) int {
	tbl := L.CheckTable(1)
	n := tbl.Len()
	if n == 0 {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(tbl.RawGetInt(s.rng.Intn(n) + 1))
	return 1
}

func luaContains(L *lua.LState) int {
	text := strings.ToLower(L.CheckString(1))
	word := strings.ToLower(L.CheckString(2))
	L.Push(lua.LBool(strings.Contains(text, word)))
	return 1
}

func (s *ScriptComposer) luaLog(L *lua.LState) int {
	s.log.Info().Msg(L.CheckString(1))
	return 0
}
