package luxconfig

import "runtime"

func goos() string {
	return runtime.GOOS
}
