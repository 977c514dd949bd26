//go:build !unix

package shm

import "os"

func mmapFile(*os.File, int) ([]byte, error) { return nil, ErrUnsupported }

func munmap([]byte) error { return ErrUnsupported }
