// Copyright 2025 The etherdeck Authors
// This file is part of the etherdeck library.
//
// The etherdeck library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The etherdeck library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the etherdeck library. If not, see <http://www.gnu.org/licenses/>.

package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLvlFilterHandler(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetHandler(LvlFilterHandler(LvlInfo, StreamHandler(&buf, LogfmtFormat())))

	l.Debug("filtered out")
	l.Info("kept", "key", "value")

	out := buf.String()
	if strings.Contains(out, "filtered out") {
		t.Errorf("debug record passed the info filter: %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "key=value") {
		t.Errorf("info record mangled: %q", out)
	}
}

func TestChildLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	l := New("module", "test")
	l.SetHandler(StreamHandler(&buf, LogfmtFormat()))

	l.New("owner", "abc").Info("hello")

	out := buf.String()
	if !strings.Contains(out, "module=test") || !strings.Contains(out, "owner=abc") {
		t.Errorf("context lost: %q", out)
	}
}

func TestLvlFromString(t *testing.T) {
	for str, want := range map[string]Lvl{
		"trace": LvlTrace, "debug": LvlDebug, "info": LvlInfo,
		"warn": LvlWarn, "error": LvlError, "crit": LvlCrit,
	} {
		got, err := LvlFromString(str)
		if err != nil || got != want {
			t.Errorf("LvlFromString(%q) = %v, %v", str, got, err)
		}
	}
	if _, err := LvlFromString("bogus"); err == nil {
		t.Error("no error for unknown level")
	}
}
