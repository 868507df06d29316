// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// IsSupported returns whether tensors of the given dtype can be pushed or pulled.
// Only numeric, non-complex dtypes are supported, since values are summed by the aggregation tier.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	default:
		return false
	}
}

type podNumber interface {
	constraints.Integer | constraints.Float
}

func accumulate[T podNumber](dst, src []T) {
	for ii, v := range src {
		dst[ii] += v
	}
}

// AccumulateFlat adds src into dst, element-wise. Both must be flat slices of the same supported type
// and length.
//
// It panics otherwise.
func AccumulateFlat(dst, src any) {
	if reflect.TypeOf(dst) != reflect.TypeOf(src) {
		exceptions.Panicf("AccumulateFlat: incompatible flat types %T and %T", dst, src)
	}
	if reflect.ValueOf(dst).Len() != reflect.ValueOf(src).Len() {
		exceptions.Panicf("AccumulateFlat: incompatible lengths %d and %d",
			reflect.ValueOf(dst).Len(), reflect.ValueOf(src).Len())
	}
	switch d := dst.(type) {
	case []int8:
		accumulate(d, src.([]int8))
	case []int16:
		accumulate(d, src.([]int16))
	case []int32:
		accumulate(d, src.([]int32))
	case []int64:
		accumulate(d, src.([]int64))
	case []uint8:
		accumulate(d, src.([]uint8))
	case []uint16:
		accumulate(d, src.([]uint16))
	case []uint32:
		accumulate(d, src.([]uint32))
	case []uint64:
		accumulate(d, src.([]uint64))
	case []float32:
		accumulate(d, src.([]float32))
	case []float64:
		accumulate(d, src.([]float64))
	case []float16.Float16:
		for ii, v := range src.([]float16.Float16) {
			d[ii] = float16.Fromfloat32(d[ii].Float32() + v.Float32())
		}
	case []bfloat16.BFloat16:
		for ii, v := range src.([]bfloat16.BFloat16) {
			d[ii] = bfloat16.FromFloat32(d[ii].Float32() + v.Float32())
		}
	default:
		exceptions.Panicf("AccumulateFlat: unsupported flat type %T", dst)
	}
}

// CopyFlat copies src into dst. Both must be flat slices of the same type and length.
func CopyFlat(dst, src any) {
	dstV, srcV := reflect.ValueOf(dst), reflect.ValueOf(src)
	if dstV.Type() != srcV.Type() || dstV.Len() != srcV.Len() {
		exceptions.Panicf("CopyFlat: incompatible flat slices %T[%d] and %T[%d]", dst, dstV.Len(), src, srcV.Len())
	}
	reflect.Copy(dstV, srcV)
}

// CloneFlat returns a copy of the flat slice.
func CloneFlat(flat any) any {
	flatV := reflect.ValueOf(flat)
	size := flatV.Len()
	cloneV := reflect.MakeSlice(flatV.Type(), size, size)
	reflect.Copy(cloneV, flatV)
	return cloneV.Interface()
}

// OnesFlat returns a flat slice of the given dtype and size filled with ones.
func OnesFlat(dtype dtypes.DType, size int) any {
	flatV := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size)
	var one reflect.Value
	switch dtype {
	case dtypes.Float16:
		one = reflect.ValueOf(float16.Fromfloat32(1))
	case dtypes.BFloat16:
		one = reflect.ValueOf(bfloat16.FromFloat32(1))
	default:
		one = reflect.ValueOf(1).Convert(dtype.GoType())
	}
	for ii := range size {
		flatV.Index(ii).Set(one)
	}
	return flatV.Interface()
}

// FlatBytes returns the raw bytes (native endianness) of a flat slice, without copying: changes
// to one are visible in the other.
func FlatBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		exceptions.Panicf("FlatBytes: %T is not a slice", flat)
	}
	if flatV.Len() == 0 {
		return nil
	}
	numBytes := flatV.Len() * int(flatV.Type().Elem().Size())
	return unsafe.Slice((*byte)(flatV.UnsafePointer()), numBytes)
}

// FlatFromBytes creates a flat slice of the given dtype with a copy of the raw bytes in data.
// It panics if len(data) is not a multiple of the dtype's size.
func FlatFromBytes(dtype dtypes.DType, data []byte) any {
	elemSize := int(dtype.GoType().Size())
	if elemSize == 0 || len(data)%elemSize != 0 {
		exceptions.Panicf("FlatFromBytes: %d bytes is not a whole number of %s values", len(data), dtype)
	}
	size := len(data) / elemSize
	flat := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
	copy(FlatBytes(flat), data)
	return flat
}
