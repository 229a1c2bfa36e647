// Copyright 2018 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package apiutil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pingcap/errcode"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/unrolled/render"
)

// ErrorCodeHeader carries the error code string of a failed request.
const ErrorCodeHeader = "Timelock-Error-Code"

// ErrorResp Respond to the client about the given error, integrating with errcode.ErrorCode.
//
// Important: if the `err` is just an error and not an errcode.ErrorCode (given by errors.Cause),
// then by default an error is assumed to be a 500 Internal Error.
//
// If the error is nil, this also responds with a 500 and logs at the error level.
func ErrorResp(rd *render.Render, w http.ResponseWriter, err error) {
	if err == nil {
		log.Error("nil is given to errorResp")
		rd.JSON(w, http.StatusInternalServerError, "nil error")
		return
	}
	if errCode := errcode.CodeChain(err); errCode != nil {
		w.Header().Set(ErrorCodeHeader, errCode.Code().CodeStr().String())
		rd.JSON(w, errCode.Code().HTTPCode(), errcode.NewJSONFormat(errCode))
	} else {
		rd.JSON(w, http.StatusInternalServerError, err.Error())
	}
}

// ReadJSON decodes the request body into data. An empty body leaves data
// untouched.
func ReadJSON(r io.ReadCloser, data interface{}) error {
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return errors.WithStack(err)
	}
	if len(b) == 0 {
		return nil
	}
	if err = json.Unmarshal(b, data); err != nil {
		return errcode.NewInvalidInputErr(errors.WithStack(err))
	}
	return nil
}

// ErrorBody is the decoded form of an errcode.JSONFormat response.
type ErrorBody struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// ReadErrorBody decodes an error response written by ErrorResp. Bodies that
// are not in errcode format are returned with only Msg set.
func ReadErrorBody(r io.Reader) ErrorBody {
	b, err := io.ReadAll(r)
	if err != nil {
		return ErrorBody{Msg: err.Error()}
	}
	var body ErrorBody
	if err := json.Unmarshal(b, &body); err != nil || body.Code == "" {
		var msg string
		if json.Unmarshal(b, &msg) == nil {
			return ErrorBody{Msg: msg}
		}
		return ErrorBody{Msg: string(b)}
	}
	return body
}
