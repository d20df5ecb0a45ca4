package proto_test

import (
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func red(s string) string {
	return "\033[31m" + s + "\033[39m"
}

func equals(tb testing.TB, id string, exp, act interface{}) {
	if !reflect.DeepEqual(exp, act) {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s: \n\texp: %#v\n\tgot: %#v\n"),
			filepath.Base(file), line, id, exp, act)
	}
}

func ok(tb testing.TB, id string, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s | unexpected error: %s\n"),
			filepath.Base(file), line, id, err.Error())
	}
}

func errMatches(tb testing.TB, id string, err error, wantErr string) {
	if err == nil {
		tb.Errorf(red("%s | unexpected success; want error with substring %q"), id, wantErr)
		return
	}
	if !strings.Contains(err.Error(), wantErr) {
		tb.Errorf(red("%s | error = %v; want an error with substring %q"), id, err, wantErr)
	}
}
