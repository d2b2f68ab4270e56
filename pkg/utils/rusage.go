// pkg/utils/rusage.go

package utils

import (
	"fmt"
	"syscall"
)

type Rusage struct {
	syscall.Rusage
}

func (ru *Rusage) GetUtime() float64 {
	return float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
}

func (ru *Rusage) GetStime() float64 {
	return float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
}

// String summarizes CPU time and peak RSS, for end-of-run reports.
func (ru *Rusage) String() string {
	return fmt.Sprintf("utime %.3fs, stime %.3fs, maxrss %d KiB", ru.GetUtime(), ru.GetStime(), ru.Maxrss)
}

func GetRusage() *Rusage {
	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)
	return &Rusage{ru}
}
