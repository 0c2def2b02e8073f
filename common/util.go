package common

import (
	"github.com/ss-govern/govern/log"
)

/////////////////////////////////////////////////////////////////////////////
// Utility
/////////////////////////////////////////////////////////////////////////////

type FuncToRun func()

func SafeRun(funcName string, f FuncToRun) {
	defer func() {
		if r := recover(); r != nil {
			log.Current.Errorf("panic in %s() : %v\n", funcName, r)
		}
	}()

	f()
}
