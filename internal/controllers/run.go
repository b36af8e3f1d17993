package controllers

import "github.com/osvaldoandrade/batchsup/internal/supervisor"

// Run is the part of a supervisor the control endpoints drive.
type Run interface {
	Abort()
	Status() supervisor.Status
}
